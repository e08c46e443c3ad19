package update

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/store"
)

func newTestServer(t *testing.T) (*gin.Engine, *store.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	st := store.NewMemoryStore()
	engine := gin.New()
	NewHandler(New(st, zap.NewNop()), zap.NewNop()).Register(engine)
	return engine, st
}

func checkRequest(engine *gin.Engine, query string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/updates/check?"+query, nil)
	engine.ServeHTTP(w, req)
	return w
}

func TestCheckEndpointRequiresParams(t *testing.T) {
	engine, _ := newTestServer(t)
	w := checkRequest(engine, "version=1.0.0&platform=windows")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckEndpointRejectsUnknownChannel(t *testing.T) {
	engine, _ := newTestServer(t)
	w := checkRequest(engine, "version=1.0.0&platform=windows&arch=amd64&machineId=m1&channel=NIGHTLY")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckEndpointReturnsUpdate(t *testing.T) {
	engine, st := newTestServer(t)
	require.NoError(t, st.PublishVersion(context.Background(), &store.AgentVersion{
		Channel: store.ChannelStable, Version: "2.0.0", RolloutPercent: 100,
		Builds: []string{"windows-amd64"},
	}))

	w := checkRequest(engine, "version=1.0.0&platform=windows&arch=amd64&machineId=m1")
	require.Equal(t, http.StatusOK, w.Code)

	var res CheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.HasUpdate)
	assert.Equal(t, "2.0.0", res.Version)
}
