// Package nitram is a bidirectional WebSocket RPC gateway. One persistent
// connection per client multiplexes request/response calls, periodic
// server-pushed topic messages and liveness heartbeats. Handlers are plain
// functions that declare, by parameter type, which resources they need;
// the engine injects them per call and maps failures onto a stable wire
// shape.
package nitram

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Engine dispatches wire requests, drains topic subscriptions and owns the
// connection lifecycle. One Engine serves every connection and is safe for
// concurrent use. Engines are created by Builder.Build.
type Engine struct {
	log       zerolog.Logger
	sessions  *SessionStore
	router    *router
	resources map[reflect.Type]reflect.Value
	metrics   *metrics
	cfg       config

	conns    sync.Map // uuid.UUID -> *wsConn
	wg       sync.WaitGroup
	draining atomic.Bool
}

// Sessions exposes the engine's session store, typically so an application
// handler can promote its own connection after validating a token.
func (e *Engine) Sessions() *SessionStore { return e.sessions }

// Dispatch parses one inbound text frame and returns the serialized wire
// response. Malformed frames produce the "_err" response; handler failures
// map to their stable error payloads.
func (e *Engine) Dispatch(connID uuid.UUID, frame []byte) []byte {
	req, ok := parseRequest(frame)
	if !ok {
		e.log.Debug().Str("conn_id", connID.String()).Msg("invalid message")
		e.metrics.dispatchErrors.WithLabelValues("invalid_message").Inc()
		return e.marshalResponse(invalidResponse())
	}
	resp := e.handle(connID, req)
	e.metrics.requestsTotal.WithLabelValues(req.Method, strconv.FormatBool(resp.OK)).Inc()
	return e.marshalResponse(resp)
}

// Drain runs one push pass for the session: every push handler whose topic
// is subscribed is invoked with its stored registration params. The batch
// preserves handler registration order. Anonymous and unknown sessions
// drain empty.
func (e *Engine) Drain(connID uuid.UUID) []ServerMessage {
	userID, scratch, topics, ok := e.sessions.drainSnapshot(connID)
	if !ok || len(topics) == 0 {
		return nil
	}
	var batch []ServerMessage
	for _, name := range e.router.pushOrder {
		params, subscribed := topics[name]
		if !subscribed {
			continue
		}
		env := callEnv{
			resources: e.resources,
			authed:    AuthedSession{UserID: userID},
			scratch:   scratch,
			params:    params,
		}
		payload, err := e.safeInvoke(e.router.push[name], env)
		if err != nil {
			if errors.Is(err, ErrNoResponse) {
				continue
			}
			e.log.Error().Err(err).Str("topic", name).Str("conn_id", connID.String()).Msg("push handler failed")
			e.metrics.dispatchErrors.WithLabelValues("push").Inc()
			continue
		}
		batch = append(batch, ServerMessage{Topic: name, Payload: payload})
		e.metrics.pushMessages.WithLabelValues(name).Inc()
	}
	return batch
}

func parseRequest(frame []byte) (Request, bool) {
	var probe struct {
		ID     *string         `json:"id"`
		Method *string         `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(frame, &probe); err != nil {
		return Request{}, false
	}
	// A params key set to null still counts as present; an absent key does
	// not decode into the RawMessage at all.
	if probe.ID == nil || probe.Method == nil || len(probe.Params) == 0 {
		return Request{}, false
	}
	return Request{ID: *probe.ID, Method: *probe.Method, Params: probe.Params}, true
}

func (e *Engine) handle(connID uuid.UUID, req Request) Response {
	if req.Method == MethodTopicRegister || req.Method == MethodTopicDeregister {
		e.handleTopicControl(connID, req)
		return Response{ID: req.ID, Method: req.Method, Response: true, OK: true}
	}
	value, err := e.route(connID, req)
	if err != nil {
		return Response{ID: req.ID, Method: req.Method, Response: e.errorPayload(req.Method, err), OK: false}
	}
	return Response{ID: req.ID, Method: req.Method, Response: value, OK: true}
}

// handleTopicControl executes the reserved subscription methods. Failures
// are silent on the wire (the response is always true) but logged so that
// misbehaving clients can be traced server-side.
func (e *Engine) handleTopicControl(connID uuid.UUID, req Request) {
	var params topicParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		e.log.Error().Err(err).Str("method", req.Method).Str("conn_id", connID.String()).Msg("malformed topic params")
		return
	}
	if params.Topic == "" {
		e.log.Error().Str("method", req.Method).Str("conn_id", connID.String()).Msg("missing topic")
		return
	}
	switch req.Method {
	case MethodTopicRegister:
		if !e.sessions.Subscribe(connID, params.Topic, params.HandlerParams) {
			e.log.Error().Str("topic", params.Topic).Str("conn_id", connID.String()).Msg("topic register on unauthenticated session")
			return
		}
		e.log.Debug().Str("topic", params.Topic).Str("conn_id", connID.String()).Msg("topic registered")
	case MethodTopicDeregister:
		if !e.sessions.Unsubscribe(connID, params.Topic) {
			e.log.Error().Str("topic", params.Topic).Str("conn_id", connID.String()).Msg("topic deregister on unauthenticated session")
			return
		}
		e.log.Debug().Str("topic", params.Topic).Str("conn_id", connID.String()).Msg("topic deregistered")
	}
}

func (e *Engine) route(connID uuid.UUID, req Request) (any, error) {
	cb, ns, ok := e.router.classify(req.Method)
	if !ok {
		return nil, errMethodNotFound
	}
	env := callEnv{resources: e.resources, params: req.Params}
	switch ns {
	case nsPublic:
		env.anon = AnonSession{ConnID: connID}
	case nsPrivate:
		userID, scratch, err := e.sessions.authSnapshot(connID)
		if err != nil {
			return nil, err
		}
		env.authed = AuthedSession{UserID: userID}
		env.scratch = scratch
	}
	return e.safeInvoke(cb, env)
}

// safeInvoke shields dispatch from handler panics.
func (e *Engine) safeInvoke(cb *callback, env callEnv) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().
				Interface("panic", r).
				Str("method", cb.name).
				Bytes("stack", debug.Stack()).
				Msg("handler panicked")
			value, err = nil, fmt.Errorf("handler %s panicked", cb.name)
		}
	}()
	return cb.invoke(env)
}

// errorPayload maps a request-path failure onto its wire payload. The push
// path handles ErrNoResponse before calling this.
func (e *Engine) errorPayload(method string, err error) string {
	nice := Nice{Msg: NiceServerError}
	var (
		withData *methodErrorData
		kind     MethodError
		badParam *paramsError
	)
	switch {
	case errors.As(err, &withData):
		nice = Nice{Msg: withData.kind.niceMessage(), Data: withData.data}
	case errors.As(err, &kind):
		nice = Nice{Msg: kind.niceMessage()}
	case errors.Is(err, errNotAuthorized):
		nice = Nice{Msg: NiceNotAuthorized}
	case errors.Is(err, errNotAuthenticated):
		nice = Nice{Msg: NiceNotAuthenticated}
	case errors.Is(err, errMethodNotFound), errors.As(err, &badParam):
		nice = Nice{Msg: NiceBadRequest}
	}
	if nice.Msg == NiceServerError {
		e.log.Error().Err(err).Str("method", method).Msg("request failed")
	} else {
		e.log.Debug().Err(err).Str("method", method).Msg("request rejected")
	}
	e.metrics.dispatchErrors.WithLabelValues(errorKindLabel(nice.Msg)).Inc()
	return nice.String()
}

func errorKindLabel(m NiceMessage) string {
	switch m {
	case NiceNotFound:
		return "not_found"
	case NiceNotAuthorized:
		return "not_authorized"
	case NiceNotAuthenticated:
		return "not_authenticated"
	case NiceBadRequest:
		return "bad_request"
	default:
		return "server_error"
	}
}

// marshalResponse serializes resp, downgrading to a server-error payload
// if the handler's value cannot be marshaled.
func (e *Engine) marshalResponse(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err == nil {
		return b
	}
	e.log.Error().Err(err).Str("method", resp.Method).Msg("response payload not serializable")
	b, _ = json.Marshal(Response{
		ID:       resp.ID,
		Method:   resp.Method,
		Response: Nice{Msg: NiceServerError}.String(),
		OK:       false,
	})
	return b
}
