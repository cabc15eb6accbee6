package session

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/triage-ai/palisade/toolgate/internal/engine"
	"github.com/triage-ai/palisade/toolgate/internal/ledger"
	"github.com/triage-ai/palisade/toolgate/internal/policy"
	"github.com/triage-ai/palisade/toolgate/internal/registry"
)

// ErrSessionNotFound is returned for an unknown or expired session.
var ErrSessionNotFound = errors.New("session not found")

const defaultJanitorInterval = time.Minute

// Key identifies a session.
type Key struct {
	Workspace string
	ID        string
}

func (k Key) String() string {
	return k.Workspace + "/" + k.ID
}

// Session bundles one ledger with the executor that records into it.
type Session struct {
	Key      Key
	Ledger   *ledger.Ledger
	Executor *engine.Executor

	lastUsed atomic.Int64 // unix nanos
}

// LastUsed is when the session was last opened or fetched.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// Config configures the Manager.
type Config struct {
	Registry *registry.Registry
	Enforcer *policy.Enforcer
	Logger   *zap.Logger

	// TTL expires sessions idle for longer than this. Zero disables expiry.
	TTL             time.Duration
	JanitorInterval time.Duration // default 1m, only used when TTL > 0

	// ExecutorOptions are applied to every session's executor.
	ExecutorOptions []engine.Option

	now func() time.Time
}

// Manager owns the sessions of one process. All sessions share the registry
// and the policy store; each has its own ledger.
type Manager struct {
	cfg    Config
	logger *zap.Logger

	mu       sync.Mutex
	sessions map[Key]*Session

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager and, when cfg.TTL is set, starts the janitor
// goroutine. Call Stop to release it.
func NewManager(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.now == nil {
		cfg.now = time.Now
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = defaultJanitorInterval
	}

	m := &Manager{
		cfg:      cfg,
		logger:   cfg.Logger,
		sessions: make(map[Key]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	if cfg.TTL > 0 {
		go m.janitor()
	} else {
		close(m.done)
	}
	return m
}

// Open returns the session for workspace and id, creating it if absent. An
// empty id creates a new session with a generated id. created reports
// whether a new session was made.
func (m *Manager) Open(workspace, id string) (s *Session, created bool) {
	if id == "" {
		id = uuid.NewString()
	}
	key := Key{Workspace: workspace, ID: id}
	now := m.cfg.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[key]; ok {
		s.touch(now)
		return s, false
	}

	l := ledger.New(ledger.WithSessionID(id))
	opts := append([]engine.Option{engine.WithWorkspace(workspace)}, m.cfg.ExecutorOptions...)
	s = &Session{
		Key:      key,
		Ledger:   l,
		Executor: engine.New(m.cfg.Registry, m.cfg.Enforcer, l, m.logger, opts...),
	}
	s.touch(now)
	m.sessions[key] = s

	m.logger.Info("session opened",
		zap.String("workspace", workspace),
		zap.String("session_id", id),
	)
	return s, true
}

// Get returns an existing session and refreshes its idle timer.
func (m *Manager) Get(workspace, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[Key{Workspace: workspace, ID: id}]
	if !ok {
		return nil, ErrSessionNotFound
	}
	s.touch(m.cfg.now())
	return s, nil
}

// Close drops a session and its ledger.
func (m *Manager) Close(workspace, id string) error {
	key := Key{Workspace: workspace, ID: id}

	m.mu.Lock()
	_, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	m.logger.Info("session closed",
		zap.String("workspace", workspace),
		zap.String("session_id", id),
	)
	return nil
}

// Reset clears the session's ledger, revoking every satisfied dependency.
func (m *Manager) Reset(workspace, id string) error {
	s, err := m.Get(workspace, id)
	if err != nil {
		return err
	}
	s.Ledger.Reset()
	m.logger.Info("session ledger reset",
		zap.String("workspace", workspace),
		zap.String("session_id", id),
	)
	return nil
}

// Keys returns the live session keys sorted by workspace then id.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	keys := make([]Key, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	m.mu.Unlock()

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Workspace != keys[j].Workspace {
			return keys[i].Workspace < keys[j].Workspace
		}
		return keys[i].ID < keys[j].ID
	})
	return keys
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep expires sessions idle for longer than the TTL and returns how many
// were removed. The janitor calls it periodically.
func (m *Manager) Sweep() int {
	if m.cfg.TTL <= 0 {
		return 0
	}
	cutoff := m.cfg.now().Add(-m.cfg.TTL)

	m.mu.Lock()
	var expired []Key
	for k, s := range m.sessions {
		if s.LastUsed().Before(cutoff) {
			expired = append(expired, k)
			delete(m.sessions, k)
		}
	}
	m.mu.Unlock()

	for _, k := range expired {
		m.logger.Info("session expired",
			zap.String("workspace", k.Workspace),
			zap.String("session_id", k.ID),
			zap.Duration("ttl", m.cfg.TTL),
		)
	}
	return len(expired)
}

// Stop halts the janitor. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.done
}

func (m *Manager) janitor() {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Sweep()
		case <-m.stop:
			return
		}
	}
}
