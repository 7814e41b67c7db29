// Package session owns per-connection session state: which skills are
// active, and which tools are therefore reachable. Sessions live in an
// in-memory map that is authoritative while the broker is running, mirrored
// to the store so a restart can still answer getSession for a stale client.
package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/capa-dev/capabroker/internal/capmodel"
	"github.com/capa-dev/capabroker/internal/store"
	"github.com/capa-dev/capabroker/pkg/logging"
	"github.com/google/uuid"
)

// MaxSessionIDLength is an upper bound on session id length. Ids minted by
// CreateSession are 36-character UUID strings; ids presented by callers are
// looked up as given and are not checked against this bound.
const MaxSessionIDLength = 256

// DefaultIdleTimeout is how long a session may sit without activity before
// the expiry sweep reclaims it, per the data model's 60-minute rule.
const DefaultIdleTimeout = 60 * time.Minute

// Session is the in-RAM state for one MCP client connection.
type Session struct {
	mu sync.RWMutex

	ID             string
	ProjectID      string
	ActiveSkills   []string
	AvailableTools map[string]struct{}
	CreatedAt      time.Time
	LastActivity   time.Time
}

func newSession(id, projectID string) *Session {
	now := time.Now()
	return &Session{
		ID:             id,
		ProjectID:      projectID,
		AvailableTools: make(map[string]struct{}),
		CreatedAt:      now,
		LastActivity:   now,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// Snapshot is a read-only copy of a session's state, safe to hand to callers
// without exposing the session's mutex.
type Snapshot struct {
	ID             string
	ProjectID      string
	ActiveSkills   []string
	AvailableTools []string
	CreatedAt      time.Time
	LastActivity   time.Time
}

func (s *Session) snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tools := make([]string, 0, len(s.AvailableTools))
	for t := range s.AvailableTools {
		tools = append(tools, t)
	}
	skills := append([]string(nil), s.ActiveSkills...)

	return Snapshot{
		ID: s.ID, ProjectID: s.ProjectID,
		ActiveSkills: skills, AvailableTools: tools,
		CreatedAt: s.CreatedAt, LastActivity: s.LastActivity,
	}
}

// HasTool reports whether toolID is in the session's resolved available set.
func (s *Session) HasTool(toolID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.AvailableTools[toolID]
	return ok
}

// CapabilitiesLookup resolves a project's current Capabilities value, used
// by the manager to compute required-tool sets without owning capability
// storage itself (that belongs to the router/control API).
type CapabilitiesLookup func(projectID string) (capmodel.Capabilities, bool)

// Manager owns the session map and the idle-expiry sweep.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store      *store.Store
	lookupCaps CapabilitiesLookup

	idleTimeout time.Duration
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewManager constructs a Manager backed by st for durability and caps for
// resolving a project's current Capabilities.
func NewManager(st *store.Store, caps CapabilitiesLookup) *Manager {
	return &Manager{
		sessions:    make(map[string]*Session),
		store:       st,
		lookupCaps:  caps,
		idleTimeout: DefaultIdleTimeout,
		stop:        make(chan struct{}),
	}
}

// Start launches the background idle-expiry sweep, which runs once a minute
// per the component design.
func (m *Manager) Start() {
	go m.expiryLoop()
}

// Stop halts the idle-expiry sweep. Safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) expiryLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepIdle()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var expired []string
	for id, sess := range m.sessions {
		sess.mu.RLock()
		last := sess.LastActivity
		sess.mu.RUnlock()
		if last.Before(cutoff) {
			expired = append(expired, id)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		if err := m.store.DeleteSession(id); err != nil {
			logging.Warn("Session", "failed to delete expired session %s from store: %v",
				logging.TruncateSessionID(id), err)
		}
	}
	if n, err := m.store.DeleteSessionsIdleBefore(cutoff); err == nil && n > 0 {
		logging.Debug("Session", "idle sweep removed %d durable session records", n)
	}
	if len(expired) > 0 {
		logging.Debug("Session", "idle sweep removed %d in-memory sessions", len(expired))
	}
}

// CreateSession creates a new session bound to projectID with a fresh
// opaque id, per the initialize handshake.
func (m *Manager) CreateSession(projectID string) *Session {
	id := uuid.NewString()
	sess := newSession(id, projectID)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if err := m.persist(sess); err != nil {
		logging.Warn("Session", "failed to persist new session %s: %v", logging.TruncateSessionID(id), err)
	}
	return sess
}

// GetSession returns the session for id, hydrating it from the store if it
// is not currently held in memory (e.g. right after a broker restart).
func (m *Manager) GetSession(id string) (*Session, bool) {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		sess.touch()
		return sess, true
	}

	rec, err := m.store.GetSession(id)
	if err != nil {
		return nil, false
	}

	sess = newSession(rec.SessionID, rec.ProjectID)
	sess.ActiveSkills = rec.ActiveSkills
	for _, t := range rec.AvailableTools {
		sess.AvailableTools[t] = struct{}{}
	}
	sess.CreatedAt = rec.CreatedAt
	sess.LastActivity = time.Now()

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	return sess, true
}

// UpdateActivity bumps the session's last-activity timestamp.
func (m *Manager) UpdateActivity(id string) {
	sess, ok := m.GetSession(id)
	if !ok {
		return
	}
	sess.touch()
	if err := m.persist(sess); err != nil {
		logging.Warn("Session", "failed to persist activity for session %s: %v", logging.TruncateSessionID(id), err)
	}
}

// DeleteSession removes a session on explicit client close.
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	if err := m.store.DeleteSession(id); err != nil {
		logging.Warn("Session", "failed to delete session %s: %v", logging.TruncateSessionID(id), err)
	}
}

// SetupTools activates skillIDs for the session, resolving the union of
// their required tools plus every plugin-originated tool.
func (m *Manager) SetupTools(sessionID string, skillIDs []string) ([]string, error) {
	sess, ok := m.GetSession(sessionID)
	if !ok {
		return nil, fmt.Errorf("session not found: %s", logging.TruncateSessionID(sessionID))
	}

	caps, ok := m.lookupCaps(sess.ProjectID)
	if !ok {
		return nil, fmt.Errorf("no capabilities configured for project %s", sess.ProjectID)
	}

	for _, id := range skillIDs {
		if _, ok := caps.FindSkill(id); !ok {
			return nil, fmt.Errorf("Skill not found: %s. Available skills: %s", id, strings.Join(skillNames(caps), ", "))
		}
	}

	required := requiredTools(caps, skillIDs)

	sess.mu.Lock()
	sess.ActiveSkills = skillIDs
	sess.AvailableTools = toSet(required)
	sess.mu.Unlock()

	if err := m.persist(sess); err != nil {
		logging.Warn("Session", "failed to persist setupTools for session %s: %v", logging.TruncateSessionID(sessionID), err)
	}

	return required, nil
}

// GetAllRequiredToolsForProject returns the union of every skill's required
// tools plus plugin tools, used by expose-all mode where all skills are
// implicitly active.
func (m *Manager) GetAllRequiredToolsForProject(projectID string) ([]string, error) {
	caps, ok := m.lookupCaps(projectID)
	if !ok {
		return nil, fmt.Errorf("no capabilities configured for project %s", projectID)
	}

	allSkillIDs := make([]string, 0, len(caps.Skills))
	for _, s := range caps.Skills {
		allSkillIDs = append(allSkillIDs, s.ID)
	}
	return requiredTools(caps, allSkillIDs), nil
}

// Snapshot returns a copy of the session's fields, or ok=false if unknown.
func (m *Manager) Snapshot(id string) (Snapshot, bool) {
	sess, ok := m.GetSession(id)
	if !ok {
		return Snapshot{}, false
	}
	return sess.snapshot(), true
}

func (m *Manager) persist(sess *Session) error {
	snap := sess.snapshot()
	return m.store.PutSession(store.SessionRecord{
		SessionID: snap.ID, ProjectID: snap.ProjectID,
		ActiveSkills: snap.ActiveSkills, AvailableTools: snap.AvailableTools,
		CreatedAt: snap.CreatedAt, LastActivity: snap.LastActivity,
	})
}

func requiredTools(caps capmodel.Capabilities, skillIDs []string) []string {
	set := make(map[string]struct{})
	for _, id := range skillIDs {
		skill, ok := caps.FindSkill(id)
		if !ok {
			continue
		}
		for _, t := range skill.Requires {
			set[t] = struct{}{}
		}
	}
	for _, t := range caps.PluginToolIDs() {
		set[t] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	return out
}

func toSet(items []string) map[string]struct{} {
	set := make(map[string]struct{}, len(items))
	for _, i := range items {
		set[i] = struct{}{}
	}
	return set
}

func skillNames(caps capmodel.Capabilities) []string {
	names := make([]string, 0, len(caps.Skills))
	for _, s := range caps.Skills {
		names = append(names, s.ID)
	}
	return names
}
