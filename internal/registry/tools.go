package registry

import (
	"time"

	"github.com/google/uuid"
)

// toolCacheTTL bounds how long a fetched catalog is trusted before the
// router refreshes it.
const toolCacheTTL = 5 * time.Minute

// CachedTools returns the agent's tool catalog if it is fresh enough,
// along with whether the cache was usable.
func (r *Registry) CachedTools(connID uuid.UUID) ([]ToolDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a := r.byConn[connID]
	if a == nil || a.Tools == nil || time.Since(a.ToolsFetchedAt) > toolCacheTTL {
		return nil, false
	}
	out := make([]ToolDef, len(a.Tools))
	copy(out, a.Tools)
	return out, true
}

// SetAgentTools stores a freshly fetched catalog.
func (r *Registry) SetAgentTools(connID uuid.UUID, tools []ToolDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a := r.byConn[connID]; a != nil {
		a.Tools = tools
		a.ToolsFetchedAt = time.Now().UTC()
	}
}
