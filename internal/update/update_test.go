package update

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/store"
)

func publish(t *testing.T, st *store.MemoryStore, v *store.AgentVersion) {
	t.Helper()
	if err := st.PublishVersion(context.Background(), v); err != nil {
		t.Fatal(err)
	}
}

func newService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	return New(st, zap.NewNop()), st
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.2.3", "1.2.3", 0},
		{"v1.2.3", "1.2.3", 0},
		{"V2.0.0", "1.9.9", 1},
		{"1.2.3", "1.2.4", -1},
		{"1.10.0", "1.9.0", 1},
		{"1.2.3-beta.1", "1.2.3", 0},
		{"1.2", "1.2.0", 0},
		{"2", "1.99.99", 1},
	}
	for _, tt := range tests {
		if got := CompareVersions(tt.a, tt.b); got != tt.want {
			t.Errorf("CompareVersions(%q,%q): got %d, want %d", tt.a, tt.b, got, tt.want)
		}
		// Antisymmetry.
		if got := CompareVersions(tt.b, tt.a); got != -tt.want {
			t.Errorf("CompareVersions(%q,%q): got %d, want %d", tt.b, tt.a, got, -tt.want)
		}
	}
}

func TestHashCodeFrozen(t *testing.T) {
	// These values pin the rollout bucketing across releases.
	tests := map[string]int32{
		"":         0,
		"a":        97,
		"abc":      96354,
		"machine1": -185121590,
	}
	for in, want := range tests {
		if got := HashCode(in); got != want {
			t.Errorf("HashCode(%q): got %d, want %d", in, got, want)
		}
	}
}

func TestCheckNoRelease(t *testing.T) {
	s, _ := newService(t)
	res, err := s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if err != nil {
		t.Fatal(err)
	}
	if res.HasUpdate {
		t.Error("no published release must mean no update")
	}
}

func TestCheckBuildGate(t *testing.T) {
	s, st := newService(t)
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "2.0.0", RolloutPercent: 100,
		Builds: []string{"windows-amd64"},
	})

	res, _ := s.Check(context.Background(), "1.0.0", "darwin", "arm64", "m1", store.ChannelStable)
	if res.HasUpdate {
		t.Error("missing build for the platform must suppress the update")
	}
	res, _ = s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if !res.HasUpdate || res.Version != "2.0.0" {
		t.Errorf("got %+v", res)
	}
}

func TestCheckUpToDate(t *testing.T) {
	s, st := newService(t)
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "2.0.0", RolloutPercent: 100,
		Builds: []string{"windows-amd64"},
	})
	res, _ := s.Check(context.Background(), "2.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if res.HasUpdate {
		t.Error("equal version must not update")
	}
}

func TestCheckForcedBelowMinVersion(t *testing.T) {
	s, st := newService(t)
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "3.0.0", MinVersion: "2.0.0",
		RolloutPercent: 0, Builds: []string{"windows-amd64"},
	})

	// Below min version: forced even at 0% rollout.
	res, _ := s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if !res.HasUpdate || !res.IsForced {
		t.Errorf("got %+v, want forced update", res)
	}

	// Above min version at 0% rollout: held back.
	res, _ = s.Check(context.Background(), "2.5.0", "windows", "amd64", "m1", store.ChannelStable)
	if res.HasUpdate {
		t.Errorf("got %+v, want no update", res)
	}
}

func TestCheckRolloutDeterministic(t *testing.T) {
	s, st := newService(t)
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "2.0.0",
		RolloutPercent: 50, Builds: []string{"windows-amd64"},
	})

	first, _ := s.Check(context.Background(), "1.0.0", "windows", "amd64", "machine1", store.ChannelStable)
	for i := 0; i < 5; i++ {
		again, _ := s.Check(context.Background(), "1.0.0", "windows", "amd64", "machine1", store.ChannelStable)
		if again.HasUpdate != first.HasUpdate {
			t.Fatal("rollout decision must be stable for a machine")
		}
	}
}

func TestCacheServesWithinTTL(t *testing.T) {
	s, st := newService(t)
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "2.0.0", RolloutPercent: 100,
		Builds: []string{"windows-amd64"},
	})

	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }

	res, _ := s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if !res.HasUpdate {
		t.Fatal("expected update")
	}

	// A newer release inside the TTL is not visible yet.
	publish(t, st, &store.AgentVersion{
		Channel: store.ChannelStable, Version: "3.0.0", RolloutPercent: 100,
		Builds: []string{"windows-amd64"},
	})
	res, _ = s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if res.Version != "2.0.0" {
		t.Errorf("inside TTL: got %s, want cached 2.0.0", res.Version)
	}

	now = now.Add(cacheTTL + time.Second)
	res, _ = s.Check(context.Background(), "1.0.0", "windows", "amd64", "m1", store.ChannelStable)
	if res.Version != "3.0.0" {
		t.Errorf("after TTL: got %s, want 3.0.0", res.Version)
	}
}
