package registry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/screenlink/broker/internal/protocol"
	"github.com/screenlink/broker/internal/store"
)

// SendCommand forwards one command to an agent and waits for the correlated
// response, the per-command timeout, or ctx cancellation. A sleeping agent
// gets the command queued; the call then blocks until the agent wakes and
// the queue drains, or the queue is torn down.
func (r *Registry) SendCommand(ctx context.Context, agentID uuid.UUID, method, tool string, params json.RawMessage) (json.RawMessage, error) {
	start := time.Now()
	result, err := r.sendCommand(ctx, agentID, method, tool, params)
	r.metrics.RecordCommand(method, commandOutcome(err), time.Since(start).Seconds())
	return result, err
}

func commandOutcome(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ErrRequestTimeout):
		return "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "failed"
	}
}

func (r *Registry) sendCommand(ctx context.Context, agentID uuid.UUID, method, tool string, params json.RawMessage) (json.RawMessage, error) {
	r.mu.Lock()
	agent := r.lookupLocked(agentID)
	if agent == nil {
		r.mu.Unlock()
		return nil, ErrAgentNotFound
	}

	if agent.PowerState == store.PowerSleep {
		if len(agent.queue) >= r.cfg.QueueBound {
			r.mu.Unlock()
			return nil, ErrQueueFull
		}
		q := &queuedCommand{
			method:     method,
			tool:       tool,
			params:     params,
			enqueuedAt: time.Now().UTC(),
			done:       make(chan pendingResult, 1),
		}
		agent.queue = append(agent.queue, q)
		r.mu.Unlock()
		r.logger.Debug("command queued for sleeping agent",
			zap.String("agent_id", agent.DBID.String()), zap.String("method", method))
		select {
		case res := <-q.done:
			return res.result, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch, err := r.dispatchLocked(ctx, agent, method, tool, params)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *Registry) lookupLocked(id uuid.UUID) *ConnectedAgent {
	if a, ok := r.byConn[id]; ok {
		return a
	}
	if connID, ok := r.byDB[id]; ok {
		return r.byConn[connID]
	}
	return nil
}

// dispatchLocked writes the request frame and registers the pending entry.
// Needs r.mu held; the returned channel is buffered so the resolver never
// blocks on a departed caller.
func (r *Registry) dispatchLocked(ctx context.Context, agent *ConnectedAgent, method, tool string, params json.RawMessage) (chan pendingResult, error) {
	requestID := uuid.NewString()
	now := time.Now().UTC()

	log := &store.CommandLog{
		AgentID:   agent.DBID,
		Method:    method,
		ToolName:  tool,
		Params:    params,
		IPAddress: agent.Conn.RemoteAddr(),
	}
	if err := r.store.CreateCommandLog(ctx, log); err != nil {
		return nil, err
	}

	p := &pendingRequest{
		ch:        make(chan pendingResult, 1),
		logID:     log.ID,
		startedAt: now,
	}
	p.timer = time.AfterFunc(r.cfg.CommandTimeout, func() {
		r.expirePending(agent.ConnID, requestID)
	})
	agent.pending[requestID] = p

	env, err := protocol.NewEnvelope(protocol.TypeRequest, requestID, &protocol.RequestPayload{
		Method: method,
		Tool:   tool,
		Params: params,
	})
	if err == nil {
		err = agent.Conn.WriteEnvelope(env)
	}
	if err != nil {
		p.timer.Stop()
		delete(agent.pending, requestID)
		r.completeLog(log.ID, store.CommandFailed, nil, err.Error())
		return nil, err
	}

	go r.bumpActivity(agent.OwnerUserID, now)
	return p.ch, nil
}

// expirePending fires from the timeout timer.
func (r *Registry) expirePending(connID uuid.UUID, requestID string) {
	r.mu.Lock()
	agent := r.byConn[connID]
	if agent == nil {
		r.mu.Unlock()
		return
	}
	p, ok := agent.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(agent.pending, requestID)
	r.mu.Unlock()

	p.ch <- pendingResult{err: ErrRequestTimeout}
	r.completeLog(p.logID, store.CommandTimeout, nil, ErrRequestTimeout.Error())
	r.logger.Warn("command timed out",
		zap.String("agent_conn", connID.String()), zap.String("request_id", requestID))
}

// HandleResponse routes a response or error frame to its pending caller.
func (r *Registry) HandleResponse(connID uuid.UUID, env *protocol.Envelope) {
	r.mu.Lock()
	agent := r.byConn[connID]
	if agent == nil {
		r.mu.Unlock()
		return
	}
	p, ok := agent.pending[env.ID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("response with no pending request", zap.String("request_id", env.ID))
		return
	}
	p.timer.Stop()
	delete(agent.pending, env.ID)
	r.mu.Unlock()

	var payload protocol.ResponsePayload
	if err := env.Decode(&payload); err != nil {
		p.ch <- pendingResult{err: err}
		r.completeLog(p.logID, store.CommandFailed, nil, err.Error())
		return
	}

	if env.Type == protocol.TypeError || payload.Error != nil {
		msg := "agent error"
		if payload.Error != nil {
			msg = payload.Error.Message
		}
		p.ch <- pendingResult{err: errors.New(msg)}
		r.completeLog(p.logID, store.CommandFailed, nil, msg)
		return
	}

	p.ch <- pendingResult{result: payload.Result}
	r.completeLog(p.logID, store.CommandCompleted, payload.Result, "")
}

// CancelPending rejects every in-flight request for the agent with the
// given reason. Queued commands are left alone.
func (r *Registry) CancelPending(agentID uuid.UUID, reason string) int {
	r.mu.Lock()
	agent := r.lookupLocked(agentID)
	if agent == nil {
		r.mu.Unlock()
		return 0
	}
	cancelled := make([]*pendingRequest, 0, len(agent.pending))
	for id, p := range agent.pending {
		p.timer.Stop()
		cancelled = append(cancelled, p)
		delete(agent.pending, id)
	}
	r.mu.Unlock()

	for _, p := range cancelled {
		p.ch <- pendingResult{err: errors.New(reason)}
		r.completeLog(p.logID, store.CommandFailed, nil, reason)
	}
	return len(cancelled)
}

func (r *Registry) completeLog(id uuid.UUID, status store.CommandStatus, result []byte, errMsg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.CompleteCommandLog(ctx, id, status, result, errMsg); err != nil {
		r.logger.Warn("complete command log", zap.Error(err))
	}
}

// UpdatePing records a pong frame.
func (r *Registry) UpdatePing(connID uuid.UUID) {
	r.mu.Lock()
	if agent := r.byConn[connID]; agent != nil {
		agent.LastPing = time.Now().UTC()
	}
	r.mu.Unlock()
}

// HandleHeartbeat merges the heartbeat payload, re-checks the license
// projection, persists the merged state, and builds the acknowledgment. A
// downgrade of an ACTIVE agent is persisted before the ack is returned, so
// later pre-condition checks observe it.
func (r *Registry) HandleHeartbeat(ctx context.Context, connID uuid.UUID, hb *protocol.HeartbeatPayload) (*protocol.HeartbeatAckPayload, error) {
	r.mu.Lock()
	agent := r.byConn[connID]
	if agent == nil {
		r.mu.Unlock()
		return nil, ErrAgentNotFound
	}
	now := time.Now().UTC()
	agent.LastPing = now
	agent.LastActivity = now
	priorPower := agent.PowerState
	if hb.PowerState != "" {
		agent.PowerState = store.PowerState(hb.PowerState)
	}
	if hb.ScreenLocked != nil {
		agent.ScreenLocked = *hb.ScreenLocked
	}
	if hb.CurrentTask != "" {
		agent.CurrentTask = hb.CurrentTask
	}
	dbID := agent.DBID
	state := agent.State
	power := agent.PowerState
	locked := agent.ScreenLocked
	task := agent.CurrentTask
	licenseStatus := agent.LicenseStatus
	pendingQueued := len(agent.queue)
	r.mu.Unlock()
	r.metrics.AgentPowerChanged(string(priorPower), string(power))

	lastActivity := hb.LastActivityTime()
	if lastActivity.IsZero() {
		lastActivity = now
	}
	if err := r.store.UpdateAgentHeartbeat(ctx, dbID, power, locked, task, lastActivity); err != nil {
		r.logger.Warn("persist heartbeat", zap.Error(err))
	}

	licenseChanged := false
	licenseMessage := ""
	if dbAgent, err := r.store.GetAgent(ctx, dbID); err == nil {
		lic, lerr := r.store.GetLicense(ctx, dbAgent.LicenseID)
		if lerr != nil && !errors.Is(lerr, store.ErrNotFound) {
			r.logger.Warn("license lookup on heartbeat", zap.Error(lerr))
		}
		projected := ProjectLicense(dbAgent.State, lic, now)
		licenseStatus = projected
		if state == store.StateActive && (projected == "expired" || projected == "blocked") {
			newState := store.StateExpired
			licenseMessage = "License expired"
			if projected == "blocked" {
				newState = store.StateBlocked
				licenseMessage = "Agent is blocked"
			}
			if err := r.store.SetAgentState(ctx, dbID, newState); err != nil {
				r.logger.Warn("persist license downgrade", zap.Error(err))
				licenseMessage = ""
			} else {
				licenseChanged = true
				r.mu.Lock()
				if a := r.byConn[connID]; a != nil {
					a.State = newState
					a.LicenseStatus = projected
				}
				r.mu.Unlock()
				r.logger.Info("license downgraded on heartbeat",
					zap.String("agent_id", dbID.String()), zap.String("to", projected))
			}
		} else {
			r.mu.Lock()
			if a := r.byConn[connID]; a != nil {
				a.LicenseStatus = projected
			}
			r.mu.Unlock()
		}
	}

	return &protocol.HeartbeatAckPayload{
		LicenseStatus:   licenseStatus,
		LicenseChanged:  licenseChanged,
		LicenseMessage:  licenseMessage,
		PendingCommands: pendingQueued > 0,
		Config: &protocol.AgentConfig{
			HeartbeatInterval: int(HeartbeatInterval(power).Seconds()),
			GraceHours:        r.cfg.GraceHours,
		},
	}, nil
}

// HandleStateChange applies a deliberate power or lock transition. The prior
// power state is captured before the merge: the SLEEP→awake edge is decided
// on that snapshot, then the queue drains FIFO. Returns the new config to
// push when the heartbeat cadence changed.
func (r *Registry) HandleStateChange(ctx context.Context, connID uuid.UUID, sc *protocol.StateChangePayload) (*protocol.AgentConfig, error) {
	r.mu.Lock()
	agent := r.byConn[connID]
	if agent == nil {
		r.mu.Unlock()
		return nil, ErrAgentNotFound
	}
	prior := agent.PowerState
	now := time.Now().UTC()
	agent.LastActivity = now
	if sc.PowerState != "" {
		agent.PowerState = store.PowerState(sc.PowerState)
	}
	if sc.ScreenLocked != nil {
		agent.ScreenLocked = *sc.ScreenLocked
	}
	dbID := agent.DBID
	power := agent.PowerState
	locked := agent.ScreenLocked
	task := agent.CurrentTask
	r.mu.Unlock()

	if err := r.store.UpdateAgentHeartbeat(ctx, dbID, power, locked, task, now); err != nil {
		r.logger.Warn("persist state change", zap.Error(err))
	}

	r.metrics.AgentPowerChanged(string(prior), string(power))

	woke := prior == store.PowerSleep && power != store.PowerSleep
	if woke {
		r.ProcessQueuedCommands(ctx, connID)
	}

	if power != prior {
		return &protocol.AgentConfig{
			HeartbeatInterval: int(HeartbeatInterval(power).Seconds()),
			GraceHours:        r.cfg.GraceHours,
		}, nil
	}
	return nil, nil
}

// HasPendingQueuedCommands reports whether the sleep queue is non-empty.
func (r *Registry) HasPendingQueuedCommands(connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	agent := r.byConn[connID]
	return agent != nil && len(agent.queue) > 0
}

// ProcessQueuedCommands drains the agent's sleep queue in enqueue order,
// dispatching each command and delivering its outcome to the original
// caller.
func (r *Registry) ProcessQueuedCommands(ctx context.Context, connID uuid.UUID) {
	for {
		r.mu.Lock()
		agent := r.byConn[connID]
		if agent == nil || len(agent.queue) == 0 {
			r.mu.Unlock()
			return
		}
		q := agent.queue[0]
		agent.queue = agent.queue[1:]
		ch, err := r.dispatchLocked(ctx, agent, q.method, q.tool, q.params)
		r.mu.Unlock()

		if err != nil {
			q.done <- pendingResult{err: err}
			continue
		}
		go func(q *queuedCommand, ch chan pendingResult) {
			q.done <- <-ch
		}(q, ch)
	}
}
