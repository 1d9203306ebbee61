package nitram

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// UserSession is the persistable record behind an authenticated connection.
// Applications store it wherever they keep login state and hand it to
// SessionStore.Authenticate once the token checks out.
type UserSession struct {
	ID        string
	UserID    string
	Strategy  AuthStrategy
	Token     string
	ExpiresAt time.Time
}

// NewUserSession mints a session record plus its wire token for userID.
func NewUserSession(userID string, strategy AuthStrategy) (UserSession, error) {
	sessionID, expiresAt, token, err := GenerateToken(userID)
	if err != nil {
		return UserSession{}, err
	}
	return UserSession{
		ID:        sessionID,
		UserID:    userID,
		Strategy:  strategy,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// session is the server-side state bound to one connection. A nil user
// marks the anonymous state; the subscription table and scratch store exist
// only once authenticated.
type session struct {
	user    *UserSession
	topics  map[string]json.RawMessage
	scratch *Store
}

// SessionStore tracks every live connection's session. All methods are safe
// for concurrent use. The single mutex is never held across handler calls,
// so handlers may call back into the store.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[uuid.UUID]*session)}
}

// Open registers a fresh anonymous session and returns its connection id.
func (s *SessionStore) Open() uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.sessions[id] = &session{}
	s.mu.Unlock()
	return id
}

// Close removes the session. Closing an unknown id is a no-op.
func (s *SessionStore) Close(id uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Authenticate promotes the session to the authenticated state, replacing
// any previous identity, subscriptions and scratch state. Unknown ids are
// ignored.
func (s *SessionStore) Authenticate(id uuid.UUID, user UserSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return
	}
	s.sessions[id] = &session{
		user:    &user,
		topics:  make(map[string]json.RawMessage),
		scratch: NewStore(),
	}
}

// SessionView is a point-in-time snapshot of one session.
type SessionView struct {
	ConnID        uuid.UUID
	Authenticated bool
	UserID        string
	Topics        []string
}

// Lookup snapshots the session for id. The second return is false when no
// session exists.
func (s *SessionStore) Lookup(id uuid.UUID) (SessionView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return SessionView{}, false
	}
	view := SessionView{ConnID: id}
	if sess.user != nil {
		view.Authenticated = true
		view.UserID = sess.user.UserID
		view.Topics = make([]string, 0, len(sess.topics))
		for topic := range sess.topics {
			view.Topics = append(view.Topics, topic)
		}
		sort.Strings(view.Topics)
	}
	return view, true
}

// Subscribe records params under topic. Only authenticated sessions hold
// subscriptions.
func (s *SessionStore) Subscribe(id uuid.UUID, topic string, params json.RawMessage) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.user == nil {
		return false
	}
	// The stored params outlive the frame buffer they were decoded from.
	sess.topics[topic] = append(json.RawMessage(nil), params...)
	return true
}

// Unsubscribe drops the topic. Removing a topic that was never registered
// still succeeds on an authenticated session.
func (s *SessionStore) Unsubscribe(id uuid.UUID, topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok || sess.user == nil {
		return false
	}
	delete(sess.topics, topic)
	return true
}

// Count reports the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// authSnapshot returns what dispatch needs to run a private handler: the
// caller identity and the scratch store, captured without holding the lock
// into the handler call.
func (s *SessionStore) authSnapshot(id uuid.UUID) (string, *Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return "", nil, errNotAuthenticated
	}
	if sess.user == nil {
		return "", nil, errNotAuthorized
	}
	return sess.user.UserID, sess.scratch, nil
}

// drainSnapshot returns what the outbound loop needs to run push handlers
// after the lock is released.
func (s *SessionStore) drainSnapshot(id uuid.UUID) (userID string, scratch *Store, topics map[string]json.RawMessage, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, exists := s.sessions[id]
	if !exists || sess.user == nil {
		return "", nil, nil, false
	}
	topics = make(map[string]json.RawMessage, len(sess.topics))
	for topic, params := range sess.topics {
		topics[topic] = params
	}
	return sess.user.UserID, sess.scratch, topics, true
}
