package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/screenlink/broker/internal/store"
	"github.com/screenlink/broker/internal/token"
)

// RFC 7636 appendix B vector.
const (
	pkceVerifier  = "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	pkceChallenge = "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
)

type env struct {
	srv      *httptest.Server
	handler  *Handler
	store    *store.MemoryStore
	userID   uuid.UUID
	conn     *store.McpConnection
	resource string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	h := NewHandler(st, zap.NewNop(), "https://broker.example", []byte("test-session-key"))

	r := gin.New()
	h.Register(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	userID := uuid.New()
	st.AddUser(&store.User{ID: userID, Email: "owner@example.com", AccountStatus: store.AccountActive})
	conn := &store.McpConnection{
		ID:           uuid.New(),
		UserID:       userID,
		EndpointUUID: uuid.NewString(),
		Name:         "laptop",
		Status:       store.ConnectionActive,
	}
	st.AddConnection(conn)

	return &env{
		srv:      srv,
		handler:  h,
		store:    st,
		userID:   userID,
		conn:     conn,
		resource: "https://broker.example/mcp/" + conn.EndpointUUID,
	}
}

func (e *env) registerClient(t *testing.T, redirectURI string) string {
	t.Helper()
	body := `{"redirect_uris":["` + redirectURI + `"],"token_endpoint_auth_method":"none"}`
	resp, err := http.Post(e.srv.URL+"/api/oauth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		ClientID                string `json:"client_id"`
		RegistrationAccessToken string `json:"registration_access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.ClientID)
	require.NotEmpty(t, out.RegistrationAccessToken)
	return out.ClientID
}

// authorize drives GET /api/oauth/authorize with a signed session cookie
// and returns the code from the redirect.
func (e *env) authorize(t *testing.T, clientID, redirectURI, challenge string) string {
	t.Helper()
	session, err := e.handler.MintSession(e.userID)
	require.NoError(t, err)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"mcp:tools"},
		"state":                 {"xyz"},
		"resource":              {e.resource},
	}
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/api/oauth/authorize?"+q.Encode(), nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "xyz", loc.Query().Get("state"))
	code := loc.Query().Get("code")
	require.NotEmpty(t, code)
	require.True(t, strings.HasPrefix(code, token.PrefixCode))
	return code
}

func (e *env) oauth2Config(clientID, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   e.srv.URL + "/api/oauth/authorize",
			TokenURL:  e.srv.URL + "/api/oauth/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: []string{"mcp:tools"},
	}
}

func TestAuthorizationCodeFlowWithPKCEVector(t *testing.T) {
	e := newEnv(t)
	redirectURI := "http://127.0.0.1:8123/callback"
	clientID := e.registerClient(t, redirectURI)
	code := e.authorize(t, clientID, redirectURI, pkceChallenge)

	cfg := e.oauth2Config(clientID, redirectURI)
	tok, err := cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(tok.AccessToken, token.PrefixAccess))
	require.NotEmpty(t, tok.RefreshToken)

	// The stored row carries the hash and the normalized audience.
	row, err := e.store.GetAccessTokenByHash(context.Background(), token.HashToken(tok.AccessToken))
	require.NoError(t, err)
	assert.Equal(t, e.conn.ID, row.ConnectionID)
	assert.Equal(t, token.NormalizeAudience(e.resource), row.Audience)
	assert.Equal(t, []string{"mcp:tools"}, row.Scope)

	// Replaying the code is invalid_grant.
	_, err = cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	require.Error(t, err)
	var rerr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)
}

func TestTokenRejectsWrongVerifier(t *testing.T) {
	e := newEnv(t)
	redirectURI := "http://localhost:9000/cb"
	clientID := e.registerClient(t, redirectURI)
	code := e.authorize(t, clientID, redirectURI, pkceChallenge)

	cfg := e.oauth2Config(clientID, redirectURI)
	_, err := cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", strings.Repeat("x", 43)))
	var rerr *oauth2.RetrieveError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, "invalid_grant", rerr.ErrorCode)

	// The failed attempt must not have consumed the code... it did not
	// reach consumption, so the right verifier still works.
	_, err = cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	require.NoError(t, err)
}

func TestRefreshRotation(t *testing.T) {
	e := newEnv(t)
	redirectURI := "https://client.example/cb"
	clientID := e.registerClient(t, redirectURI)
	code := e.authorize(t, clientID, redirectURI, pkceChallenge)

	cfg := e.oauth2Config(clientID, redirectURI)
	first, err := cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	require.NoError(t, err)

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
		"client_id":     {clientID},
	}
	resp, err := http.PostForm(e.srv.URL+"/api/oauth/token", form)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rotated struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rotated))
	assert.NotEqual(t, first.AccessToken, rotated.AccessToken)
	assert.NotEqual(t, first.RefreshToken, rotated.RefreshToken)

	// The old refresh token is revoked by rotation.
	resp2, err := http.PostForm(e.srv.URL+"/api/oauth/token", form)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestRevokeIsIdempotent(t *testing.T) {
	e := newEnv(t)
	redirectURI := "https://client.example/cb"
	clientID := e.registerClient(t, redirectURI)
	code := e.authorize(t, clientID, redirectURI, pkceChallenge)

	cfg := e.oauth2Config(clientID, redirectURI)
	tok, err := cfg.Exchange(context.Background(), code,
		oauth2.SetAuthURLParam("code_verifier", pkceVerifier))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		resp, err := http.PostForm(e.srv.URL+"/api/oauth/revoke", url.Values{"token": {tok.AccessToken}})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	}

	row, err := e.store.GetAccessTokenByHash(context.Background(), token.HashToken(tok.AccessToken))
	require.NoError(t, err)
	require.NotNil(t, row.RevokedAt)
}

func TestRegisterRejectsNonLoopbackHTTP(t *testing.T) {
	e := newEnv(t)
	body := `{"redirect_uris":["http://evil.example/cb"]}`
	resp, err := http.Post(e.srv.URL+"/api/oauth/register", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorizeRequiresS256(t *testing.T) {
	e := newEnv(t)
	redirectURI := "https://client.example/cb"
	clientID := e.registerClient(t, redirectURI)
	session, err := e.handler.MintSession(e.userID)
	require.NoError(t, err)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {pkceVerifier},
		"code_challenge_method": {"plain"},
		"resource":              {e.resource},
	}
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAuthorizeRejectsForeignConnection(t *testing.T) {
	e := newEnv(t)
	redirectURI := "https://client.example/cb"
	clientID := e.registerClient(t, redirectURI)

	stranger := uuid.New()
	e.store.AddUser(&store.User{ID: stranger, Email: "other@example.com", AccountStatus: store.AccountActive})
	session, err := e.handler.MintSession(stranger)
	require.NoError(t, err)

	q := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {redirectURI},
		"code_challenge":        {pkceChallenge},
		"code_challenge_method": {"S256"},
		"resource":              {e.resource},
	}
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+"/api/oauth/authorize?"+q.Encode(), nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: session})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestMetadataDocuments(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/.well-known/oauth-authorization-server")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var meta map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meta))
	assert.Equal(t, "https://broker.example", meta["issuer"])
	assert.Equal(t, "https://broker.example/api/oauth/token", meta["token_endpoint"])
	assert.Contains(t, meta["code_challenge_methods_supported"], "S256")
}
