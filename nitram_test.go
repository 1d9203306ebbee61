package nitram

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handlerCalls counts handler-body executions so tests can assert the auth
// gate short-circuits before the handler runs.
type handlerCalls struct{ private atomic.Int64 }

type messagesParams struct {
	Channel string `json:"channel"`
}

func newTestEngine(t *testing.T) (*Engine, *handlerCalls) {
	t.Helper()
	calls := &handlerCalls{}
	e, err := NewBuilder().
		AddResource(calls).
		AddPublicHandler("Mock", func(p mockParams) (string, error) {
			if p.Code == "panic" {
				panic("boom")
			}
			return p.Code, nil
		}).
		AddPublicHandler("WhoAmI", func(anon AnonSession) (string, error) {
			return anon.ConnID.String(), nil
		}).
		AddPrivateHandler("MockPrivate", func(calls *handlerCalls, authed AuthedSession, store *Store, p mockParams) (string, error) {
			calls.private.Add(1)
			if p.Code == "return error" {
				return "", ErrServer
			}
			return strings.ToUpper(p.Code), nil
		}).
		AddPrivateHandler("Bump", func(store *Store, p EmptyParams) (int, error) {
			var count int
			store.Get("count", &count)
			count++
			if err := store.Set("count", count); err != nil {
				return 0, err
			}
			return count, nil
		}).
		AddPrivateHandler("Lost", func(authed AuthedSession, p IDParams) (string, error) {
			return "", ErrNotFound.WithData(map[string]string{"id": p.ID})
		}).
		AddPrivateHandler("Quiet", func(authed AuthedSession, p EmptyParams) (string, error) {
			return "", ErrNoResponse
		}).
		AddServerMessageHandler("Messages", func(store *Store, p messagesParams) (map[string]any, error) {
			notify := true
			store.Get("notify", &notify)
			if !notify {
				return nil, ErrNoResponse
			}
			if err := store.Set("notify", false); err != nil {
				return nil, err
			}
			return map[string]any{"channel": p.Channel}, nil
		}).
		AddServerMessageHandler("Prices", func(authed AuthedSession, p EmptyParams) (string, error) {
			return "tick", nil
		}).
		AddServerMessageHandler("Flaky", func(p EmptyParams) (string, error) {
			return "", fmt.Errorf("upstream unavailable")
		}).
		Build(nil)
	require.NoError(t, err)
	return e, calls
}

func dispatch(t *testing.T, e *Engine, connID uuid.UUID, frame string) string {
	t.Helper()
	return string(e.Dispatch(connID, []byte(frame)))
}

func authedConn(t *testing.T, e *Engine, userID string) uuid.UUID {
	t.Helper()
	id := e.Sessions().Open()
	e.Sessions().Authenticate(id, testUserSession(t, userID))
	return id
}

func TestDispatchPublicEcho(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"Mock","params":{"code":"hello"}}`)
	assert.JSONEq(t, `{"id":"1","method":"Mock","response":"hello","ok":true}`, got)
}

func TestDispatchPrivateOnAuthed(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	got := dispatch(t, e, id, `{"id":"1","method":"MockPrivate","params":{"code":"hello"}}`)
	assert.JSONEq(t, `{"id":"1","method":"MockPrivate","response":"HELLO","ok":true}`, got)
}

func TestDispatchPrivateOnAnonymous(t *testing.T) {
	e, calls := newTestEngine(t)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"MockPrivate","params":{"code":"hello"}}`)
	assert.JSONEq(t, `{"id":"1","method":"MockPrivate","response":"(~ not authorized ~)","ok":false}`, got)
	assert.Zero(t, calls.private.Load(), "handler body must not run behind the auth gate")
}

func TestDispatchPrivateWithoutSession(t *testing.T) {
	e, calls := newTestEngine(t)

	got := dispatch(t, e, uuid.New(), `{"id":"1","method":"MockPrivate","params":{"code":"hello"}}`)
	assert.JSONEq(t, `{"id":"1","method":"MockPrivate","response":"(~ not authenticated ~)","ok":false}`, got)
	assert.Zero(t, calls.private.Load())
}

func TestDispatchHandlerServerError(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	got := dispatch(t, e, id, `{"id":"1","method":"MockPrivate","params":{"code":"return error"}}`)
	assert.JSONEq(t, `{"id":"1","method":"MockPrivate","response":"(~ server error ~)","ok":false}`, got)
}

func TestDispatchWrongParams(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	tests := []struct {
		name   string
		params string
	}{
		{"missing field", `{"wrong":69}`},
		{"null params", `null`},
		{"params not an object", `"code"`},
		{"wrong field type", `{"code":69}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatch(t, e, id, `{"id":"1","method":"Mock","params":`+tt.params+`}`)
			assert.JSONEq(t, `{"id":"1","method":"Mock","response":"(~ bad request ~)","ok":false}`, got)
		})
	}
}

func TestDispatchUnknownMethod(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"Nope","params":{}}`)
	assert.JSONEq(t, `{"id":"1","method":"Nope","response":"(~ bad request ~)","ok":false}`, got)
}

func TestDispatchMalformedFrame(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `garbage`},
		{"missing id", `{"method":"Mock","params":{}}`},
		{"missing method", `{"id":"1","params":{}}`},
		{"missing params", `{"id":"1","method":"Mock"}`},
		{"non-string id", `{"id":7,"method":"Mock","params":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatch(t, e, id, tt.frame)
			assert.JSONEq(t, `{"id":"_err","method":"_err","response":"Invalid message, check API","ok":false}`, got)
		})
	}
}

func TestDispatchAnonSessionCarriesConnID(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"WhoAmI","params":null}`)
	var resp Response
	require.NoError(t, json.Unmarshal([]byte(got), &resp))
	assert.True(t, resp.OK)
	assert.Equal(t, id.String(), resp.Response)
}

func TestDispatchNoResponseOnRequestPath(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	got := dispatch(t, e, id, `{"id":"1","method":"Quiet","params":{}}`)
	assert.JSONEq(t, `{"id":"1","method":"Quiet","response":"(~ server error ~)","ok":false}`, got)
}

func TestDispatchMethodErrorWithData(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	got := dispatch(t, e, id, `{"id":"1","method":"Lost","params":{"id":"42"}}`)
	assert.JSONEq(t, `{"id":"1","method":"Lost","response":"(~ not found ~~ {\"id\":\"42\"} ~)","ok":false}`, got)
}

func TestDispatchRecoversHandlerPanic(t *testing.T) {
	e, _ := newTestEngine(t)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"Mock","params":{"code":"panic"}}`)
	assert.JSONEq(t, `{"id":"1","method":"Mock","response":"(~ server error ~)","ok":false}`, got)

	// The engine keeps serving the connection afterwards.
	got = dispatch(t, e, id, `{"id":"2","method":"Mock","params":{"code":"still here"}}`)
	assert.JSONEq(t, `{"id":"2","method":"Mock","response":"still here","ok":true}`, got)
}

func TestScratchStorePersistsAcrossCalls(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	for i := 1; i <= 3; i++ {
		got := dispatch(t, e, id, fmt.Sprintf(`{"id":"%d","method":"Bump","params":{}}`, i))
		assert.JSONEq(t, fmt.Sprintf(`{"id":"%d","method":"Bump","response":%d,"ok":true}`, i, i), got)
	}
}

func TestTopicRegisterAndDrain(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	got := dispatch(t, e, id, `{"id":"1","method":"nitram_topic_register","params":{"topic":"Messages","handler_params":{"channel":"c"}}}`)
	assert.JSONEq(t, `{"id":"1","method":"nitram_topic_register","response":true,"ok":true}`, got)

	batch := e.Drain(id)
	require.Len(t, batch, 1)
	assert.Equal(t, "Messages", batch[0].Topic)
	assert.Equal(t, map[string]any{"channel": "c"}, batch[0].Payload)

	// The handler cleared its notify flag, so the next drain omits the
	// topic without deregistering it.
	assert.Empty(t, e.Drain(id))

	got = dispatch(t, e, id, `{"id":"2","method":"nitram_topic_deregister","params":{"topic":"Messages"}}`)
	assert.JSONEq(t, `{"id":"2","method":"nitram_topic_deregister","response":true,"ok":true}`, got)
	assert.Empty(t, e.Drain(id))
}

func TestTopicRegisterSilentFailures(t *testing.T) {
	e, _ := newTestEngine(t)
	anon := e.Sessions().Open()

	// Unauthenticated sessions and malformed params still answer true.
	tests := []struct {
		name   string
		connID uuid.UUID
		frame  string
	}{
		{"anonymous session", anon, `{"id":"1","method":"nitram_topic_register","params":{"topic":"Messages","handler_params":{}}}`},
		{"malformed params", authedConn(t, e, "user-1"), `{"id":"1","method":"nitram_topic_register","params":{"handler_params":{}}}`},
		{"params not an object", authedConn(t, e, "user-2"), `{"id":"1","method":"nitram_topic_register","params":"Messages"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatch(t, e, tt.connID, tt.frame)
			assert.JSONEq(t, `{"id":"1","method":"nitram_topic_register","response":true,"ok":true}`, got)
			assert.Empty(t, e.Drain(tt.connID))
		})
	}
}

func TestDrainPreservesRegistrationOrder(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	// Subscribe in reverse of the handler registration order.
	dispatch(t, e, id, `{"id":"1","method":"nitram_topic_register","params":{"topic":"Prices","handler_params":{}}}`)
	dispatch(t, e, id, `{"id":"2","method":"nitram_topic_register","params":{"topic":"Messages","handler_params":{"channel":"c"}}}`)

	batch := e.Drain(id)
	require.Len(t, batch, 2)
	assert.Equal(t, "Messages", batch[0].Topic)
	assert.Equal(t, "Prices", batch[1].Topic)
}

func TestDrainOmitsFailingTopic(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	dispatch(t, e, id, `{"id":"1","method":"nitram_topic_register","params":{"topic":"Flaky","handler_params":{}}}`)
	dispatch(t, e, id, `{"id":"2","method":"nitram_topic_register","params":{"topic":"Prices","handler_params":{}}}`)

	batch := e.Drain(id)
	require.Len(t, batch, 1, "failing handler is omitted, healthy topics still drain")
	assert.Equal(t, "Prices", batch[0].Topic)
}

func TestDrainOnAnonymousOrUnknownSession(t *testing.T) {
	e, _ := newTestEngine(t)

	assert.Empty(t, e.Drain(e.Sessions().Open()))
	assert.Empty(t, e.Drain(uuid.New()))
}

func TestDrainSubscribedButUnregisteredTopic(t *testing.T) {
	e, _ := newTestEngine(t)
	id := authedConn(t, e, "user-1")

	// A topic with no push handler never produces output.
	dispatch(t, e, id, `{"id":"1","method":"nitram_topic_register","params":{"topic":"NoSuchTopic","handler_params":{}}}`)
	assert.Empty(t, e.Drain(id))
}

func TestPublicWinsOverPrivate(t *testing.T) {
	e, err := NewBuilder().
		AddPublicHandler("Echo", func(p mockParams) (string, error) { return "public", nil }).
		AddPrivateHandler("Echo", func(authed AuthedSession, p mockParams) (string, error) { return "private", nil }).
		Build(nil)
	require.NoError(t, err)

	// An anonymous caller reaches the public handler even though the name
	// also exists in the private namespace.
	id := e.Sessions().Open()
	got := dispatch(t, e, id, `{"id":"1","method":"Echo","params":{"code":"x"}}`)
	assert.JSONEq(t, `{"id":"1","method":"Echo","response":"public","ok":true}`, got)
}

func TestOptionalParamsFields(t *testing.T) {
	type optParams struct {
		Code  string `json:"code"`
		Limit *int   `json:"limit"`
		Tag   string `json:"tag,omitempty"`
	}
	e, err := NewBuilder().
		AddPublicHandler("Opt", func(p optParams) (string, error) { return p.Code, nil }).
		Build(nil)
	require.NoError(t, err)
	id := e.Sessions().Open()

	got := dispatch(t, e, id, `{"id":"1","method":"Opt","params":{"code":"hello"}}`)
	assert.JSONEq(t, `{"id":"1","method":"Opt","response":"hello","ok":true}`, got)
}
