package main

import (
	"sync"

	"github.com/google/uuid"
	"github.com/martinschaer/nitram"
)

// User is the demo app's user record.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatDB is the in-memory stand-in for the application database: users,
// issued sessions and per-channel message history. Safe for concurrent use;
// it is registered as an engine resource and shared by every handler.
type ChatDB struct {
	mu       sync.RWMutex
	users    map[string]User               // user id -> user
	byName   map[string]string             // user name -> user id
	sessions map[string]nitram.UserSession // db session id -> session
	messages map[string][]string           // channel -> lines
}

func NewChatDB() *ChatDB {
	return &ChatDB{
		users:    make(map[string]User),
		byName:   make(map[string]string),
		sessions: make(map[string]nitram.UserSession),
		messages: make(map[string][]string),
	}
}

// UpsertUser returns the user with the given name, creating it on first
// sight.
func (db *ChatDB) UpsertUser(name string) User {
	db.mu.Lock()
	defer db.mu.Unlock()
	if id, ok := db.byName[name]; ok {
		return db.users[id]
	}
	u := User{ID: uuid.NewString(), Name: name}
	db.users[u.ID] = u
	db.byName[name] = u.ID
	return u
}

// User looks up a user by id.
func (db *ChatDB) User(id string) (User, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	u, ok := db.users[id]
	return u, ok
}

// CreateSession mints and persists a login session for userID.
func (db *ChatDB) CreateSession(userID string) (nitram.UserSession, error) {
	us, err := nitram.NewUserSession(userID, nitram.StrategyEmailLink)
	if err != nil {
		return nitram.UserSession{}, err
	}
	db.mu.Lock()
	db.sessions[us.ID] = us
	db.mu.Unlock()
	return us, nil
}

// Session looks up a persisted session by its db session id.
func (db *ChatDB) Session(id string) (nitram.UserSession, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	us, ok := db.sessions[id]
	return us, ok
}

// Append adds one line to a channel's history.
func (db *ChatDB) Append(channel, line string) {
	db.mu.Lock()
	db.messages[channel] = append(db.messages[channel], line)
	db.mu.Unlock()
}

// Messages returns a copy of a channel's history.
func (db *ChatDB) Messages(channel string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return append([]string(nil), db.messages[channel]...)
}
