package nitram

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// writeWait bounds every socket write so a stalled peer cannot wedge a
// loop.
const writeWait = 10 * time.Second

// maxControlPayload is the RFC 6455 cap on control frame payloads.
const maxControlPayload = 125

// wsConn is the per-connection state shared by the inbound and outbound
// loops.
type wsConn struct {
	id   uuid.UUID
	conn net.Conn

	// writeMu serializes frame writes: responses from the inbound loop,
	// pings and push batches from the outbound loop.
	writeMu sync.Mutex

	aliveMu  sync.Mutex
	lastSeen time.Time

	stop chan struct{}
	once sync.Once
}

func (c *wsConn) touch() {
	c.aliveMu.Lock()
	c.lastSeen = time.Now()
	c.aliveMu.Unlock()
}

func (c *wsConn) idle() time.Duration {
	c.aliveMu.Lock()
	defer c.aliveMu.Unlock()
	return time.Since(c.lastSeen)
}

func (c *wsConn) writeFrame(op ws.OpCode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return wsutil.WriteServerMessage(c.conn, op, payload)
}

// ServeHTTP upgrades the request and hands the socket to the lifecycle
// loops. Mount the engine on a route like /ws.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if e.draining.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		e.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("upgrade failed")
		return
	}
	e.wg.Add(1)
	go e.serveConn(conn)
}

// serveConn owns the socket from accept to teardown.
func (e *Engine) serveConn(conn net.Conn) {
	defer e.wg.Done()

	c := &wsConn{
		id:       e.sessions.Open(),
		conn:     conn,
		lastSeen: time.Now(),
		stop:     make(chan struct{}),
	}
	e.conns.Store(c.id, c)
	e.metrics.connectionsTotal.Inc()
	e.metrics.connectionsActive.Inc()
	e.log.Info().Str("conn_id", c.id.String()).Int("sessions", e.sessions.Count()).Msg("connection open")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.writeLoop(c)
	}()
	e.readLoop(c)
	wg.Wait()
}

// teardown runs exactly once per connection, no matter which loop exits
// first: it unblocks the other loop, closes the socket and removes the
// session.
func (e *Engine) teardown(c *wsConn, reason string) {
	c.once.Do(func() {
		close(c.stop)
		_ = c.conn.Close()
		e.sessions.Close(c.id)
		e.conns.Delete(c.id)
		e.metrics.connectionsActive.Dec()
		e.log.Info().
			Str("conn_id", c.id.String()).
			Str("reason", reason).
			Int("sessions", e.sessions.Count()).
			Msg("connection closed")
	})
}

// readLoop is the inbound half: it consumes frames until the peer goes
// away, answering pings, recording pongs and dispatching text frames.
func (e *Engine) readLoop(c *wsConn) {
	reason := "read error"
	defer func() { e.teardown(c, reason) }()

	var limiter *rate.Limiter
	if e.cfg.msgRate > 0 {
		limiter = rate.NewLimiter(e.cfg.msgRate, e.cfg.msgBurst)
	}

	reader := &wsutil.Reader{
		Source:    c.conn,
		State:     ws.StateServerSide,
		CheckUTF8: true,
		OnIntermediate: func(hdr ws.Header, rd io.Reader) error {
			return e.controlFrame(c, hdr, rd)
		},
	}

	for {
		head, err := reader.NextFrame()
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(closed.Code, ""))
				reason = "peer closed"
			}
			return
		}

		if head.OpCode.IsControl() {
			if err := e.controlFrame(c, head, reader); err != nil {
				var closed wsutil.ClosedError
				if errors.As(err, &closed) {
					_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(closed.Code, ""))
					reason = "peer closed"
				}
				return
			}
			continue
		}

		if head.Length > e.cfg.maxFrameSize {
			e.metrics.framesRejected.WithLabelValues("too_large").Inc()
			_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusMessageTooBig, "frame too large"))
			reason = "frame too large"
			return
		}
		// The reader aggregates continuation frames, so the cap applies to
		// the whole message, not just the first fragment's header.
		payload, err := io.ReadAll(io.LimitReader(reader, e.cfg.maxFrameSize+1))
		if err != nil {
			return
		}
		if int64(len(payload)) > e.cfg.maxFrameSize {
			e.metrics.framesRejected.WithLabelValues("too_large").Inc()
			_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusMessageTooBig, "message too large"))
			reason = "message too large"
			return
		}

		if head.OpCode != ws.OpText {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(context.Background()); err != nil {
				return
			}
		}

		resp := e.Dispatch(c.id, payload)
		if err := c.writeFrame(ws.OpText, resp); err != nil {
			reason = "write error"
			return
		}
	}
}

// controlFrame answers one control frame: pings are echoed with their
// payload, pongs refresh the liveness clock, close surfaces a ClosedError
// so the read loop can echo it and stop.
func (e *Engine) controlFrame(c *wsConn, head ws.Header, rd io.Reader) error {
	payload, err := io.ReadAll(io.LimitReader(rd, maxControlPayload+1))
	if err != nil {
		return err
	}
	switch head.OpCode {
	case ws.OpPing:
		return c.writeFrame(ws.OpPong, payload)
	case ws.OpPong:
		c.touch()
	case ws.OpClose:
		code, rsn := ws.ParseCloseFrameData(payload)
		return wsutil.ClosedError{Code: code, Reason: rsn}
	}
	return nil
}

// writeLoop is the outbound half: heartbeat pings, liveness timeout and
// push drains.
func (e *Engine) writeLoop(c *wsConn) {
	reason := "write loop ended"
	defer func() { e.teardown(c, reason) }()

	ping := time.NewTicker(e.cfg.pingInterval)
	defer ping.Stop()

	// Pushes ride the ping tick unless a dedicated drain cadence was
	// configured.
	var drain <-chan time.Time
	if e.cfg.pushInterval > 0 {
		t := time.NewTicker(e.cfg.pushInterval)
		defer t.Stop()
		drain = t.C
	}

	for {
		select {
		case <-c.stop:
			reason = "stopped"
			return
		case <-ping.C:
			if err := c.writeFrame(ws.OpPing, nil); err != nil {
				reason = "ping write failed"
				return
			}
			if c.idle() > e.cfg.timeout {
				e.metrics.timeouts.Inc()
				_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "heartbeat timeout"))
				reason = "heartbeat timeout"
				return
			}
			if drain == nil {
				if err := e.pushBatch(c); err != nil {
					reason = "push write failed"
					return
				}
			}
		case <-drain:
			if err := e.pushBatch(c); err != nil {
				reason = "push write failed"
				return
			}
		}
	}
}

// pushBatch drains the session's subscriptions and writes any output as a
// single text frame.
func (e *Engine) pushBatch(c *wsConn) error {
	batch := e.Drain(c.id)
	if len(batch) == 0 {
		return nil
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		e.log.Error().Err(err).Str("conn_id", c.id.String()).Msg("push batch not serializable")
		return nil
	}
	e.metrics.pushBatches.Inc()
	return c.writeFrame(ws.OpText, payload)
}

// Shutdown refuses new upgrades, closes every live connection and waits for
// their loops to finish or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.draining.Store(true)
	e.conns.Range(func(_, v any) bool {
		c := v.(*wsConn)
		_ = c.writeFrame(ws.OpClose, ws.NewCloseFrameBody(ws.StatusGoingAway, "server shutdown"))
		e.teardown(c, "server shutdown")
		return true
	})

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
