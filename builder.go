package nitram

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultPingInterval = 5 * time.Second
	defaultTimeout      = 10 * time.Second
	defaultMaxFrameSize = 128 << 10
)

// config holds the frozen engine tunables.
type config struct {
	pingInterval time.Duration
	timeout      time.Duration
	pushInterval time.Duration
	maxFrameSize int64
	msgRate      rate.Limit
	msgBurst     int
}

// Builder accumulates handlers, resources and tunables, then assembles an
// immutable Engine. All methods chain; errors are collected and reported
// together by Build so a misconfigured engine never serves traffic.
type Builder struct {
	log       zerolog.Logger
	reg       prometheus.Registerer
	cfg       config
	resources map[reflect.Type]reflect.Value
	handlers  []registration
	errs      []error
}

type registration struct {
	name string
	ns   namespace
	fn   any
}

func NewBuilder() *Builder {
	return &Builder{
		log: zerolog.Nop(),
		cfg: config{
			pingInterval: defaultPingInterval,
			timeout:      defaultTimeout,
			maxFrameSize: defaultMaxFrameSize,
		},
		resources: make(map[reflect.Type]reflect.Value),
	}
}

// AddResource makes r injectable into every handler, matched by its exact
// type. Registering two resources of the same type is an error.
func (b *Builder) AddResource(r any) *Builder {
	if r == nil {
		b.errs = append(b.errs, errors.New("resource: nil value"))
		return b
	}
	t := reflect.TypeOf(r)
	switch t {
	case anonType, authedType, storeType:
		b.errs = append(b.errs, fmt.Errorf("resource: %s is injected by the engine, not registered", t))
		return b
	}
	if _, dup := b.resources[t]; dup {
		b.errs = append(b.errs, fmt.Errorf("resource: duplicate type %s", t))
		return b
	}
	b.resources[t] = reflect.ValueOf(r)
	return b
}

// AddPublicHandler registers h under name in the public namespace. Public
// methods are reachable in either session state.
func (b *Builder) AddPublicHandler(name string, h any) *Builder {
	b.handlers = append(b.handlers, registration{name: name, ns: nsPublic, fn: h})
	return b
}

// AddPrivateHandler registers h under name in the private namespace.
// Private methods require an authenticated session.
func (b *Builder) AddPrivateHandler(name string, h any) *Builder {
	b.handlers = append(b.handlers, registration{name: name, ns: nsPrivate, fn: h})
	return b
}

// AddServerMessageHandler registers h under name in the push namespace. The
// name doubles as the topic clients subscribe to; drains run handlers in
// registration order.
func (b *Builder) AddServerMessageHandler(name string, h any) *Builder {
	b.handlers = append(b.handlers, registration{name: name, ns: nsPush, fn: h})
	return b
}

// SetPingInterval sets the outbound loop period.
func (b *Builder) SetPingInterval(d time.Duration) *Builder {
	b.cfg.pingInterval = d
	return b
}

// SetTimeout sets the maximum time since the last pong before the outbound
// loop force-closes the connection.
func (b *Builder) SetTimeout(d time.Duration) *Builder {
	b.cfg.timeout = d
	return b
}

// SetServerMessagesInterval gives push drains their own cadence. Unset,
// drains ride the ping tick.
func (b *Builder) SetServerMessagesInterval(d time.Duration) *Builder {
	b.cfg.pushInterval = d
	return b
}

// SetMaxFrameSize caps inbound messages, continuation frames included.
func (b *Builder) SetMaxFrameSize(n int64) *Builder {
	b.cfg.maxFrameSize = n
	return b
}

// SetLogger sets the engine logger. The default discards everything.
func (b *Builder) SetLogger(log zerolog.Logger) *Builder {
	b.log = log
	return b
}

// SetMetricsRegisterer sets where engine collectors register. The default
// is a private registry, so unexported unless one is supplied.
func (b *Builder) SetMetricsRegisterer(reg prometheus.Registerer) *Builder {
	b.reg = reg
	return b
}

// SetMessageRateLimit paces inbound text frames per connection. Frames are
// delayed, never dropped, so response ordering is preserved.
func (b *Builder) SetMessageRateLimit(r rate.Limit, burst int) *Builder {
	b.cfg.msgRate = r
	b.cfg.msgBurst = burst
	return b
}

// Build freezes the namespaces, validates every handler signature against
// the registered resources and returns the engine. A nil sessions argument
// makes the engine mint its own store, reachable via Engine.Sessions. The
// store itself is auto-registered as a resource so handlers can promote
// their own connection.
func (b *Builder) Build(sessions *SessionStore) (*Engine, error) {
	errs := append([]error(nil), b.errs...)

	if b.cfg.pingInterval <= 0 {
		errs = append(errs, fmt.Errorf("ping interval must be positive, got %v", b.cfg.pingInterval))
	}
	if b.cfg.timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %v", b.cfg.timeout))
	}
	if b.cfg.maxFrameSize <= 0 {
		errs = append(errs, fmt.Errorf("max frame size must be positive, got %d", b.cfg.maxFrameSize))
	}

	if sessions == nil {
		sessions = NewSessionStore()
	}
	resources := make(map[reflect.Type]reflect.Value, len(b.resources)+1)
	for t, v := range b.resources {
		resources[t] = v
	}
	storeT := reflect.TypeOf(sessions)
	if _, taken := resources[storeT]; !taken {
		resources[storeT] = reflect.ValueOf(sessions)
	}

	r := &router{
		public:  make(map[string]*callback),
		private: make(map[string]*callback),
		push:    make(map[string]*callback),
	}
	tables := map[namespace]map[string]*callback{
		nsPublic:  r.public,
		nsPrivate: r.private,
		nsPush:    r.push,
	}
	for _, reg := range b.handlers {
		if reg.name == MethodTopicRegister || reg.name == MethodTopicDeregister {
			errs = append(errs, fmt.Errorf("handler %q: reserved method name", reg.name))
			continue
		}
		table := tables[reg.ns]
		if _, dup := table[reg.name]; dup {
			errs = append(errs, fmt.Errorf("handler %q: already registered in the %s namespace", reg.name, reg.ns))
			continue
		}
		cb, err := newCallback(reg.name, reg.ns, reg.fn, resources)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		table[reg.name] = cb
		if reg.ns == nsPush {
			r.pushOrder = append(r.pushOrder, reg.name)
		}
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("building engine: %w", errors.Join(errs...))
	}
	return &Engine{
		log:       b.log,
		sessions:  sessions,
		router:    r,
		resources: resources,
		metrics:   newMetrics(b.reg),
		cfg:       b.cfg,
	}, nil
}
