package nitram

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/google/uuid"
)

// AnonSession identifies the calling connection inside public handlers.
type AnonSession struct {
	ConnID uuid.UUID
}

// AuthedSession identifies the calling user inside private and push
// handlers.
type AuthedSession struct {
	UserID string
}

var (
	anonType   = reflect.TypeOf(AnonSession{})
	authedType = reflect.TypeOf(AuthedSession{})
	storeType  = reflect.TypeOf((*Store)(nil))
	errorType  = reflect.TypeOf((*error)(nil)).Elem()
)

// argKind tags a handler parameter with its injection source.
type argKind uint8

const (
	argResource argKind = iota
	argAnon
	argAuthed
	argStore
	argParams
)

// callback is one registered handler with its precomputed injection plan.
type callback struct {
	name   string
	ns     namespace
	fn     reflect.Value
	kinds  []argKind
	types  []reflect.Type
	params reflect.Type // nil when the handler declares no params struct
}

// newCallback validates fn against the namespace rules and the registered
// resource types. Every signature problem is reported here so that Build
// fails instead of a live dispatch.
func newCallback(name string, ns namespace, fn any, resources map[reflect.Type]reflect.Value) (*callback, error) {
	v := reflect.ValueOf(fn)
	t := v.Type()
	if t.Kind() != reflect.Func {
		return nil, fmt.Errorf("handler %q: got %T, want a function", name, fn)
	}
	if t.IsVariadic() {
		return nil, fmt.Errorf("handler %q: variadic signatures are not supported", name)
	}
	if t.NumOut() != 2 || t.Out(1) != errorType {
		return nil, fmt.Errorf("handler %q: must return (value, error)", name)
	}

	cb := &callback{
		name:  name,
		ns:    ns,
		fn:    v,
		kinds: make([]argKind, t.NumIn()),
		types: make([]reflect.Type, t.NumIn()),
	}
	for i := 0; i < t.NumIn(); i++ {
		at := t.In(i)
		cb.types[i] = at
		switch {
		case at == anonType:
			if ns != nsPublic {
				return nil, fmt.Errorf("handler %q: AnonSession is injected into public handlers only", name)
			}
			cb.kinds[i] = argAnon
		case at == authedType:
			if ns == nsPublic {
				return nil, fmt.Errorf("handler %q: AuthedSession is not available to public handlers", name)
			}
			cb.kinds[i] = argAuthed
		case at == storeType:
			if ns == nsPublic {
				return nil, fmt.Errorf("handler %q: the scratch store exists only on authenticated sessions", name)
			}
			cb.kinds[i] = argStore
		default:
			if _, ok := resources[at]; ok {
				cb.kinds[i] = argResource
				continue
			}
			if i != t.NumIn()-1 {
				return nil, fmt.Errorf("handler %q: %s is not a registered resource (a params struct must be the last argument)", name, at)
			}
			if at.Kind() != reflect.Struct {
				return nil, fmt.Errorf("handler %q: params type %s must be a struct", name, at)
			}
			cb.kinds[i] = argParams
			cb.params = at
		}
	}
	return cb, nil
}

// callEnv carries the per-call injectables.
type callEnv struct {
	anon      AnonSession
	authed    AuthedSession
	scratch   *Store
	resources map[reflect.Type]reflect.Value
	params    json.RawMessage
}

// invoke decodes params, assembles the argument vector and calls the
// handler. The returned error is a *paramsError or whatever the handler
// returned.
func (cb *callback) invoke(env callEnv) (any, error) {
	in := make([]reflect.Value, len(cb.kinds))
	for i, kind := range cb.kinds {
		switch kind {
		case argAnon:
			in[i] = reflect.ValueOf(env.anon)
		case argAuthed:
			in[i] = reflect.ValueOf(env.authed)
		case argStore:
			in[i] = reflect.ValueOf(env.scratch)
		case argResource:
			in[i] = env.resources[cb.types[i]]
		case argParams:
			pv, err := decodeParams(env.params, cb.params)
			if err != nil {
				return nil, err
			}
			in[i] = pv
		}
	}
	out := cb.fn.Call(in)
	if errv := out[1]; !errv.IsNil() {
		return nil, errv.Interface().(error)
	}
	return out[0].Interface(), nil
}

// decodeParams unmarshals raw into a fresh value of t. Decoding is strict
// about presence: params must be a JSON object and every required field of
// t must appear in it. Optional fields are pointers or fields tagged
// omitempty. Unknown fields are ignored.
func decodeParams(raw json.RawMessage, t reflect.Type) (reflect.Value, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return reflect.Value{}, &paramsError{missing: true}
	}
	var present map[string]json.RawMessage
	if err := json.Unmarshal(raw, &present); err != nil {
		return reflect.Value{}, &paramsError{cause: err}
	}
	pv := reflect.New(t)
	if err := json.Unmarshal(raw, pv.Interface()); err != nil {
		return reflect.Value{}, &paramsError{cause: err}
	}
	if err := checkRequired(t, present); err != nil {
		return reflect.Value{}, &paramsError{cause: err}
	}
	return pv.Elem(), nil
}

// checkRequired enforces presence of every non-optional field of t in the
// params object.
func checkRequired(t reflect.Type, present map[string]json.RawMessage) error {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() || f.Anonymous {
			continue
		}
		name := f.Name
		optional := f.Type.Kind() == reflect.Pointer
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" && len(parts) == 1 {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					optional = true
				}
			}
		}
		if optional {
			continue
		}
		if _, ok := present[name]; ok {
			continue
		}
		if hasFold(present, name) {
			continue
		}
		return fmt.Errorf("missing field %q", name)
	}
	return nil
}

// hasFold mirrors encoding/json's case-insensitive fallback when matching
// keys to fields.
func hasFold(m map[string]json.RawMessage, name string) bool {
	for k := range m {
		if strings.EqualFold(k, name) {
			return true
		}
	}
	return false
}
