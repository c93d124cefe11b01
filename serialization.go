package dbos

import (
	"encoding/json"
	"reflect"
	"sync"

	"github.com/pkg/errors"
)

// envelope is the on-disk shape of every output/input/message/event column:
// a type tag alongside the JSON payload, so Decode can reconstruct the
// original concrete type without the caller having to know it in advance.
// This is the Go analogue of a reflective JSON-with-type-tags encoding
// scheme.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

var (
	typeRegistryMu sync.RWMutex
	typeRegistry   = map[string]reflect.Type{}
)

// RegisterType makes a concrete type decodable from its envelope tag. Call
// it once at startup for every struct type a workflow, step, or
// transaction might return or receive — the core never needs this for
// built-in scalar types (string, float64, bool, nil, []interface{},
// map[string]interface{}), which decode straight from JSON.
func RegisterType(v interface{}) {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	typeRegistryMu.Lock()
	typeRegistry[t.String()] = t
	typeRegistryMu.Unlock()
}

func lookupType(name string) (reflect.Type, bool) {
	typeRegistryMu.RLock()
	defer typeRegistryMu.RUnlock()
	t, ok := typeRegistry[name]
	return t, ok
}

// Encode serialises a value for storage in a TEXT column. The core only
// requires decode(encode(v)) == v; encoding is otherwise opaque to it.
func Encode(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "encode value")
	}
	env := envelope{Type: typeTag(v), Data: data}
	out, err := json.Marshal(env)
	if err != nil {
		return "", errors.Wrap(err, "encode envelope")
	}
	return string(out), nil
}

func typeTag(v interface{}) string {
	if v == nil {
		return "nil"
	}
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// Decode reverses Encode, returning the decoded value as interface{}.
// Registered struct types decode into a pointer to a fresh instance of
// that type; everything else decodes via the standard json rules.
func Decode(s string) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal([]byte(s), &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "nil" {
		return nil, nil
	}
	if t, ok := lookupType(env.Type); ok {
		ptr := reflect.New(t)
		if err := json.Unmarshal(env.Data, ptr.Interface()); err != nil {
			return nil, errors.Wrapf(err, "decode registered type %s", env.Type)
		}
		return ptr.Interface(), nil
	}
	var out interface{}
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, errors.Wrapf(err, "decode value of type %s", env.Type)
	}
	return out, nil
}

// encodeInputs serialises the positional arguments of a durable call into
// the single TEXT blob stored in workflow_inputs.
func encodeInputs(args []interface{}) (string, error) {
	return Encode(args)
}

func decodeInputs(s string) ([]interface{}, error) {
	v, err := Decode(s)
	if err != nil {
		return nil, err
	}
	raw, ok := v.([]interface{})
	if !ok {
		return nil, errors.New("decoded workflow_inputs is not a tuple")
	}
	return raw, nil
}

// encodeError captures a user error for storage. RecordedError and the
// taxonomy errors in errors.go round-trip their message only — the
// contract is re-raising an error with the same message, not the same Go
// type.
func encodeError(err error) (string, error) {
	return Encode(err.Error())
}

func decodeError(s string) (error, error) {
	v, err := Decode(s)
	if err != nil {
		return nil, err
	}
	msg, ok := v.(string)
	if !ok {
		return nil, errors.New("decoded error is not a string")
	}
	return &RecordedError{Message: msg}, nil
}
