// Package update answers agent update-check requests from a per-channel
// cache of the latest published version, applying minimum-version forcing
// and deterministic percentage rollouts.
package update

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"

	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/store"
)

// cacheTTL is how long a channel's latest-version row is served from
// memory before it is re-read.
const cacheTTL = 60 * time.Second

// CheckResult is the wire answer to one update check.
type CheckResult struct {
	HasUpdate bool   `json:"hasUpdate"`
	Version   string `json:"version,omitempty"`
	IsForced  bool   `json:"isForced,omitempty"`
}

type cacheEntry struct {
	version   *store.AgentVersion // nil when the channel has no release
	fetchedAt time.Time
}

// Service serves update checks.
type Service struct {
	store  store.Store
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	cache map[store.ReleaseChannel]*cacheEntry
}

// New builds the update service.
func New(st store.Store, logger *zap.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger,
		now:    time.Now,
		cache:  make(map[store.ReleaseChannel]*cacheEntry),
	}
}

// Check decides whether the calling agent should update.
func (s *Service) Check(ctx context.Context, agentVersion, platform, arch, machineID string, channel store.ReleaseChannel) (*CheckResult, error) {
	latest, err := s.latest(ctx, channel)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return &CheckResult{}, nil
	}

	buildKey := platform + "-" + arch
	if !hasBuild(latest.Builds, buildKey) {
		return &CheckResult{}, nil
	}
	if CompareVersions(agentVersion, latest.Version) >= 0 {
		return &CheckResult{}, nil
	}

	forced := latest.MinVersion != "" && CompareVersions(agentVersion, latest.MinVersion) < 0
	if !forced && latest.RolloutPercent < 100 {
		if !inRollout(machineID, latest.RolloutPercent) {
			return &CheckResult{}, nil
		}
	}
	return &CheckResult{HasUpdate: true, Version: latest.Version, IsForced: forced}, nil
}

func (s *Service) latest(ctx context.Context, channel store.ReleaseChannel) (*store.AgentVersion, error) {
	s.mu.RLock()
	entry := s.cache[channel]
	s.mu.RUnlock()
	if entry != nil && s.now().Sub(entry.fetchedAt) < cacheTTL {
		return entry.version, nil
	}

	v, err := s.store.LatestVersion(ctx, channel)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			v = nil
		} else {
			// Serve a stale entry over failing the agent's check.
			if entry != nil {
				s.logger.Warn("version refresh failed, serving stale",
					zap.String("channel", string(channel)), zap.Error(err))
				return entry.version, nil
			}
			return nil, err
		}
	}

	s.mu.Lock()
	s.cache[channel] = &cacheEntry{version: v, fetchedAt: s.now()}
	s.mu.Unlock()
	return v, nil
}

func hasBuild(builds []string, key string) bool {
	for _, b := range builds {
		if b == key {
			return true
		}
	}
	return false
}

// inRollout buckets a machine deterministically into [0,100) and admits it
// when the bucket falls under the rollout percentage.
func inRollout(machineID string, percent int) bool {
	if machineID == "" {
		return false
	}
	h := int64(HashCode(machineID))
	if h < 0 {
		h = -h
	}
	return h%100 < int64(percent)
}

// HashCode is the 32-bit shift-subtract-accumulate hash over UTF-16 code
// units. It is part of the rollout contract: a machine must land in the
// same bucket across releases, so the algorithm is frozen.
func HashCode(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = (h << 5) - h + int32(c)
	}
	return h
}

// CompareVersions orders two version strings by their numeric
// [major, minor, patch] prefix. A leading v or V is ignored; each dotted
// component contributes the digits before any hyphen, missing components
// count as zero.
func CompareVersions(a, b string) int {
	av := parseVersion(a)
	bv := parseVersion(b)
	for i := 0; i < 3; i++ {
		if av[i] != bv[i] {
			if av[i] < bv[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

func parseVersion(v string) [3]int {
	v = strings.TrimPrefix(strings.TrimPrefix(v, "v"), "V")
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		if i >= 3 {
			break
		}
		if idx := strings.IndexByte(part, '-'); idx >= 0 {
			part = part[:idx]
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			n = 0
		}
		out[i] = n
	}
	return out
}
