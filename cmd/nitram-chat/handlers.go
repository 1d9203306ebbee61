package main

import (
	"time"

	"github.com/martinschaer/nitram"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type GetTokenParams struct {
	UserName string `json:"user_name"`
}

type SendMessageParams struct {
	Message string `json:"message"`
	Channel string `json:"channel"`
}

type MessagesParams struct {
	Channel string `json:"channel"`
}

// MessagesPayload is what the Messages topic pushes: the channel history
// plus the session's scratch counters.
type MessagesPayload struct {
	Messages []string `json:"messages"`
	Last     string   `json:"last"`
	Count    int      `json:"count"`
}

// getToken upserts the user by name and hands back a login token. In a real
// deployment the token would travel through a single-use email link; the
// demo returns it directly.
func getToken(db *ChatDB, p GetTokenParams) (string, error) {
	if p.UserName == "" {
		return "", nitram.ErrServer.WithData("user_name must not be empty")
	}
	u := db.UpsertUser(p.UserName)
	us, err := db.CreateSession(u.ID)
	if err != nil {
		return "", err
	}
	return us.Token, nil
}

// authenticate validates a token and promotes the calling connection.
// Expired, unknown and stale tokens are all rejected the same way so a
// probing client learns nothing.
func authenticate(db *ChatDB, sessions *nitram.SessionStore, anon nitram.AnonSession, p nitram.AuthenticateParams) (string, error) {
	parsed, err := nitram.ParseToken(p.Token)
	if err != nil {
		return "", nitram.ErrNotAuthenticated
	}
	if parsed.ExpiresAt.Before(time.Now()) {
		return "", nitram.ErrNotAuthenticated
	}
	us, ok := db.Session(parsed.DBSessionID)
	if !ok || us.Token != p.Token {
		return "", nitram.ErrNotAuthenticated
	}
	sessions.Authenticate(anon.ConnID, us)
	return us.UserID, nil
}

// sendMessage appends a line to the channel, fans it out through the bus
// and flags the session's Messages subscription for the next push tick.
func sendMessage(db *ChatDB, bus *ChatBus, authed nitram.AuthedSession, store *nitram.Store, p SendMessageParams) ([]string, error) {
	name := authed.UserID
	if u, ok := db.User(authed.UserID); ok {
		name = u.Name
	}
	line := name + ": " + p.Message
	db.Append(p.Channel, line)
	bus.Publish(p.Channel, line)

	var count int
	store.Get("count", &count)
	if err := store.Set("count", count+1); err != nil {
		return nil, err
	}
	if err := store.Set("last", line); err != nil {
		return nil, err
	}
	if err := store.Set("notify", true); err != nil {
		return nil, err
	}
	return db.Messages(p.Channel), nil
}

func getUser(db *ChatDB, p nitram.IDParams) (User, error) {
	u, ok := db.User(p.ID)
	if !ok {
		return User{}, nitram.ErrNotFound
	}
	return u, nil
}

// messages is the push handler behind the "Messages" topic: it produces a
// payload only when a SendMessage since the last tick set the notify flag.
func messages(db *ChatDB, store *nitram.Store, p MessagesParams) (MessagesPayload, error) {
	notify := true
	store.Get("notify", &notify)
	if !notify {
		return MessagesPayload{}, nitram.ErrNoResponse
	}
	if err := store.Set("notify", false); err != nil {
		return MessagesPayload{}, err
	}

	var payload MessagesPayload
	payload.Messages = db.Messages(p.Channel)
	store.Get("last", &payload.Last)
	store.Get("count", &payload.Count)
	return payload, nil
}

// newEngine wires the chat handlers, resources and tunables into a gateway
// engine.
func newEngine(cfg *Config, log zerolog.Logger, db *ChatDB, bus *ChatBus, reg prometheus.Registerer) (*nitram.Engine, error) {
	b := nitram.NewBuilder().
		SetLogger(log.With().Str("component", "engine").Logger()).
		SetMetricsRegisterer(reg).
		SetPingInterval(cfg.PingInterval).
		SetTimeout(cfg.Timeout).
		SetMaxFrameSize(cfg.MaxFrameSize).
		AddResource(db).
		AddResource(bus).
		AddPublicHandler("GetToken", getToken).
		AddPublicHandler("Authenticate", authenticate).
		AddPrivateHandler("SendMessage", sendMessage).
		AddPrivateHandler("GetUser", getUser).
		AddServerMessageHandler("Messages", messages)
	if cfg.PushInterval > 0 {
		b.SetServerMessagesInterval(cfg.PushInterval)
	}
	if cfg.MessageRate > 0 {
		b.SetMessageRateLimit(rate.Limit(cfg.MessageRate), cfg.MessageBurst)
	}
	return b.Build(nil)
}
