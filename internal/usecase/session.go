package usecase

import (
	"fmt"
	"math"
	"regexp"
	"sync"

	"relaybot/internal/domain"
)

// Temperature bounds accepted by SetTemperature.
const (
	MinTemperature = 0.0
	MaxTemperature = 2.0
)

// validName matches the participant names the backend accepts.
var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// SessionConfig configures a SessionStore.
type SessionConfig struct {
	DefaultRole        string
	DefaultTemperature float64
	// MaxHistory bounds each history, system entry included. Minimum 3.
	MaxHistory int
	// TrimWindow is how many of the oldest non-system entries are evicted
	// at once when MaxHistory is reached.
	TrimWindow int
}

// conversationState is the mutable state of one conversation. history[0]
// is the system entry once the history has been initialized.
type conversationState struct {
	role        string
	history     []domain.Message
	temperature *float64
	showStats   bool
}

// SessionStore holds per-conversation role, history and generation
// parameters. Every method is atomic with respect to the others.
type SessionStore struct {
	mu     sync.Mutex
	cfg    SessionConfig
	states map[domain.ConversationKey]*conversationState
}

// NewSessionStore creates an empty store.
func NewSessionStore(cfg SessionConfig) *SessionStore {
	if cfg.MaxHistory < 3 {
		cfg.MaxHistory = 3
	}
	if cfg.TrimWindow < 1 {
		cfg.TrimWindow = 1
	}
	if cfg.TrimWindow >= cfg.MaxHistory {
		cfg.TrimWindow = cfg.MaxHistory - 1
	}
	return &SessionStore{
		cfg:    cfg,
		states: make(map[domain.ConversationKey]*conversationState),
	}
}

// state returns the state for key, creating it. Caller holds s.mu.
func (s *SessionStore) state(key domain.ConversationKey) *conversationState {
	st, ok := s.states[key]
	if !ok {
		st = &conversationState{}
		s.states[key] = st
	}
	return st
}

func (s *SessionStore) roleLocked(st *conversationState) string {
	if st.role == "" {
		st.role = s.cfg.DefaultRole
	}
	return st.role
}

func (s *SessionStore) resetLocked(st *conversationState) {
	st.history = []domain.Message{{Role: domain.RoleSystem, Content: s.roleLocked(st)}}
}

func (s *SessionStore) ensureHistoryLocked(st *conversationState) {
	if len(st.history) == 0 {
		s.resetLocked(st)
	}
}

// trimLocked evicts the oldest non-system entries until one more entry
// fits under MaxHistory. It returns the number of entries removed.
func (s *SessionStore) trimLocked(st *conversationState) int {
	removed := 0
	for len(st.history) >= s.cfg.MaxHistory {
		n := min(s.cfg.TrimWindow, len(st.history)-1)
		st.history = append(st.history[:1], st.history[1+n:]...)
		removed += n
	}
	return removed
}

// EnsureRole returns the conversation's role, assigning the default role if
// none is set.
func (s *SessionStore) EnsureRole(key domain.ConversationKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roleLocked(s.state(key))
}

// SetRole replaces the role and restarts the history from it.
func (s *SessionStore) SetRole(key domain.ConversationKey, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.role = role
	s.resetLocked(st)
}

// ResetRole restores the default role and restarts the history.
func (s *SessionStore) ResetRole(key domain.ConversationKey) {
	s.SetRole(key, s.cfg.DefaultRole)
}

// ResetHistory drops everything but a fresh system entry.
func (s *SessionStore) ResetHistory(key domain.ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked(s.state(key))
}

// EnsureHistory initializes the history with the system entry if it is empty.
func (s *SessionStore) EnsureHistory(key domain.ConversationKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureHistoryLocked(s.state(key))
}

// TrimHistoryIfNeeded evicts the oldest non-system window while the
// history is at MaxHistory. It returns the number of entries removed.
func (s *SessionStore) TrimHistoryIfNeeded(key domain.ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trimLocked(s.state(key))
}

// AppendUser appends a user entry. name is kept only when the backend
// would accept it.
func (s *SessionStore) AppendUser(key domain.ConversationKey, content, name string) {
	msg := domain.Message{Role: domain.RoleUser, Content: content}
	if validName.MatchString(name) {
		msg.Name = name
	}
	s.appendMessage(key, msg)
}

// AppendAssistant appends an assistant entry.
func (s *SessionStore) AppendAssistant(key domain.ConversationKey, content string) {
	s.appendMessage(key, domain.Message{Role: domain.RoleAssistant, Content: content})
}

func (s *SessionStore) appendMessage(key domain.ConversationKey, msg domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	s.ensureHistoryLocked(st)
	s.trimLocked(st)
	st.history = append(st.history, msg)
}

// History returns a copy of the conversation history.
func (s *SessionStore) History(key domain.ConversationKey) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[key]
	if !ok {
		return nil
	}
	cp := make([]domain.Message, len(st.history))
	copy(cp, st.history)
	return cp
}

// Len returns the number of history entries.
func (s *SessionStore) Len(key domain.ConversationKey) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return len(st.history)
	}
	return 0
}

// SetTemperature sets the sampling temperature. Values outside
// [MinTemperature, MaxTemperature] are rejected with ErrInvalidInput.
func (s *SessionStore) SetTemperature(key domain.ConversationKey, t float64) error {
	if math.IsNaN(t) || t < MinTemperature || t > MaxTemperature {
		return fmt.Errorf("%w: temperature %v outside [%v, %v]", domain.ErrInvalidInput, t, MinTemperature, MaxTemperature)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(key).temperature = &t
	return nil
}

// Temperature returns the conversation's temperature or the default.
func (s *SessionStore) Temperature(key domain.ConversationKey) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok && st.temperature != nil {
		return *st.temperature
	}
	return s.cfg.DefaultTemperature
}

// ToggleStats flips usage reporting and returns the new value.
func (s *SessionStore) ToggleStats(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.state(key)
	st.showStats = !st.showStats
	return st.showStats
}

// ShowStats reports whether usage reporting is on. Off by default.
func (s *SessionStore) ShowStats(key domain.ConversationKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[key]; ok {
		return st.showStats
	}
	return false
}

// Conversations returns the number of conversations with state.
func (s *SessionStore) Conversations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}
