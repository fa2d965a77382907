// Package session implements the adaptive refresh policy for stage
// agent sessions: deciding when to discard one and seed a fresh one so
// context never collapses.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rinkside/commentary-pipeline/internal/board"
	"github.com/rinkside/commentary-pipeline/internal/contextmgr"
)

// AgentSession is the conversation handle for one stage. The message log
// only grows; a refresh discards the handle and starts a new one rather
// than mutating history in place.
type AgentSession struct {
	ID                    string
	Stage                 contextmgr.Stage
	CreatedAt             time.Time
	Messages              []string
	SnapshotsSinceRefresh int
}

func newSession(stage contextmgr.Stage, seed string) *AgentSession {
	return &AgentSession{
		ID:        uuid.NewString(),
		Stage:     stage,
		CreatedAt: time.Now(),
		Messages:  []string{seed},
	}
}

// RefreshTrigger names which policy clause fired a refresh, for analytics.
type RefreshTrigger string

const (
	TriggerNone           RefreshTrigger = ""
	TriggerSoftTokens     RefreshTrigger = "soft_tokens"
	TriggerMajorEvent     RefreshTrigger = "major_event"
	TriggerSnapshotCount  RefreshTrigger = "snapshot_count_fallback"
	TriggerCriticalTrend  RefreshTrigger = "critical_growth_trend"
)

// RefreshRecord is one entry in the refresh analytics log.
type RefreshRecord struct {
	Trigger   RefreshTrigger
	Timestamp time.Time
	SessionID string
	Stage     contextmgr.Stage
}

// Manager owns one AgentSession per (gameID, stage) and the policy that
// decides when to replace it.
type Manager struct {
	mu       sync.Mutex
	sessions map[contextmgr.Stage]*AgentSession
	policy   contextmgr.RefreshPolicy
	history  []RefreshRecord
}

func NewManager(policy contextmgr.RefreshPolicy) *Manager {
	return &Manager{
		sessions: make(map[contextmgr.Stage]*AgentSession),
		policy:   policy,
	}
}

// Get returns the current session for a stage, creating one if absent.
func (m *Manager) Get(stage contextmgr.Stage, proj board.BoardProjection) *AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[stage]; ok {
		return s
	}
	s := newSession(stage, seedMessage(proj, proj.NarrativeSummary))
	m.sessions[stage] = s
	return s
}

// RecommendRefresh refreshes when ANY of soft token threshold, a major
// event, the N-snapshot fallback, or a critical growth trend fires.
func RecommendRefresh(session *AgentSession, estimatedTokens int, update board.UpdateReport, policy contextmgr.RefreshPolicy, trend contextmgr.GrowthTrend) (bool, RefreshTrigger) {
	if estimatedTokens >= policy.SoftTokens {
		return true, TriggerSoftTokens
	}
	if len(update.NewGoals) > 0 || len(update.NewPenalties) > 0 || update.PeriodChanged {
		return true, TriggerMajorEvent
	}
	if session.SnapshotsSinceRefresh >= policy.RefreshEveryNSnapshots {
		return true, TriggerSnapshotCount
	}
	if trend == contextmgr.TrendCritical {
		return true, TriggerCriticalTrend
	}
	return false, TriggerNone
}

// Refresh atomically swaps the active session for stage with a freshly
// seeded one and records the trigger for analytics. The old session is
// simply dropped; callers must not cancel any in-flight call using it,
// since that call keeps its own reference and is allowed to finish.
func (m *Manager) Refresh(stage contextmgr.Stage, proj board.BoardProjection, narrativeSummary string, trigger RefreshTrigger) *AgentSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	fresh := newSession(stage, seedMessage(proj, narrativeSummary))
	m.sessions[stage] = fresh
	m.history = append(m.history, RefreshRecord{Trigger: trigger, Timestamp: fresh.CreatedAt, SessionID: fresh.ID, Stage: stage})
	return fresh
}

// RecordSnapshotProcessed increments the N-snapshot fallback counter for
// a stage's active session.
func (m *Manager) RecordSnapshotProcessed(stage contextmgr.Stage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[stage]; ok {
		s.SnapshotsSinceRefresh++
	}
}

// History returns a copy of the refresh analytics log.
func (m *Manager) History() []RefreshRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RefreshRecord(nil), m.history...)
}

func seedMessage(proj board.BoardProjection, narrativeSummary string) string {
	return "session seeded: score " + itoa(proj.Score.Away) + "-" + itoa(proj.Score.Home) + "; " + narrativeSummary
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
