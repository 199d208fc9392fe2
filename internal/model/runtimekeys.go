package model

import (
	"fmt"
	"strconv"
	"sync"
)

// RuntimeValueKey is a process-lifetime singleton identifying a typed
// runtime value attached to a Proxy. The wire name (EnvVar) is part of
// the external contract: it appears as an environment variable on the
// delegate workload the proxy is retargeted to.
type RuntimeValueKey struct {
	Name string
	EnvVar string
	IncludeInAPI bool

	encode func(any) (string, error)
	decode func(string) (any, error)
}

// EncodeString renders v using the key's codec.
func (k *RuntimeValueKey) EncodeString(v any) (string, error) {
	return k.encode(v)
}

// DecodeString parses s using the key's codec.
func (k *RuntimeValueKey) DecodeString(s string) (any, error) {
	return k.decode(s)
}

var (
	registryMu sync.RWMutex
	registry = map[string]*RuntimeValueKey{}
)

// RegisterRuntimeValueKey adds key to the process-wide registry.
// It panics on a duplicate name: key registration happens once, at
// startup, and a collision is a programmer fault.
func RegisterRuntimeValueKey(key *RuntimeValueKey) *RuntimeValueKey {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[key.Name]; exists {
		panic(fmt.Sprintf("model: runtime value key %q already registered", key.Name))
	}
	registry[key.Name] = key
	return key
}

// LookupRuntimeValueKey returns the registered key for name.
// An unknown key is treated as a fatal configuration error (not a nil
// return) per the "ambient global registration of keys" design note.
func LookupRuntimeValueKey(name string) (*RuntimeValueKey, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	key, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("model: unknown runtime value key %q", name)
	}
	return key, nil
}

func stringCodec() (func(any) (string, error), func(string) (any, error)) {
	return func(v any) (string, error) {
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("model: expected string, got %T", v)
		}
		return s, nil
	}, func(s string) (any, error) {
		return s, nil
	}
}

func boolCodec() (func(any) (string, error), func(string) (any, error)) {
	return func(v any) (string, error) {
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("model: expected bool, got %T", v)
		}
		return strconv.FormatBool(b), nil
	}, func(s string) (any, error) {
		return strconv.ParseBool(s)
	}
}

// Runtime value keys used by the core dispatcher.
var (
	KeySeatID = func() *RuntimeValueKey {
		enc, dec := stringCodec()
		return RegisterRuntimeValueKey(&RuntimeValueKey{
			Name: "SeatId", EnvVar: "SHINYPROXY_SEAT_ID", IncludeInAPI: false,
			encode: enc, decode: dec,
		})
	}()

	KeyDelegateProxy = func() *RuntimeValueKey {
		enc, dec := boolCodec()
		return RegisterRuntimeValueKey(&RuntimeValueKey{
			Name: "DelegateProxy", EnvVar: "SHINYPROXY_DELEGATE_PROXYS", IncludeInAPI: false,
			encode: enc, decode: dec,
		})
	}()

	KeyTargetID = func() *RuntimeValueKey {
		enc, dec := stringCodec()
		return RegisterRuntimeValueKey(&RuntimeValueKey{
			Name: "TargetId", EnvVar: "SHINYPROXY_TARGET_ID", IncludeInAPI: true,
			encode: enc, decode: dec,
		})
	}()

	KeyPublicPath = func() *RuntimeValueKey {
		enc, dec := stringCodec()
		return RegisterRuntimeValueKey(&RuntimeValueKey{
			Name: "PublicPath", EnvVar: "", IncludeInAPI: true,
			encode: enc, decode: dec,
		})
	}()
)
