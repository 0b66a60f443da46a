// Package plugin instantiates reconstruction components from JSON descriptions.
//
// A description is an object with a "plugin" key naming a registered factory.
// Every other key is either a primitive, assigned to the instance's JSON
// fields, or a nested object, built recursively and handed to the instance
// through Attacher:
//
//	{"plugin": "asdpocs", "maxIterations": 10,
//	 "df_minimizer": {"plugin": "sart", "relaxationFactor": 0.25,
//	                  "projector": {"plugin": "joseph"}}}
package plugin

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// ErrInvalid is wrapped by every error Build returns.
var ErrInvalid = errors.New("plugin: invalid description")

// Factory returns a new instance with default settings.
type Factory func() any

// Attacher is implemented by plugins that accept nested plugin objects.
type Attacher interface {
	Attach(key string, value any) error
}

var registry = struct {
	sync.RWMutex
	m map[string]Factory
}{m: make(map[string]Factory)}

// Register makes a factory available under name. Registering a name twice panics.
func Register(name string, f Factory) {
	registry.Lock()
	defer registry.Unlock()
	if _, ok := registry.m[name]; ok {
		panic(fmt.Sprintf("error: re-registering plugin %s", name))
	}
	registry.m[name] = f
}

// Lookup returns the factory registered under name, or nil.
func Lookup(name string) Factory {
	registry.RLock()
	defer registry.RUnlock()
	return registry.m[name]
}

// Names lists the registered plugin names in sorted order.
func Names() []string {
	registry.RLock()
	defer registry.RUnlock()
	names := make([]string, 0, len(registry.m))
	for name := range registry.m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build instantiates the plugin described by raw. Warnings about properties
// that could not be applied are written to log. Any hard failure discards the
// whole tree and returns a single error.
func Build(raw []byte, log io.Writer) (any, error) {
	if log == nil {
		log = io.Discard
	}
	v, err := build(raw, log, "")
	if err != nil {
		return nil, err
	}
	return v, nil
}

func build(raw []byte, log io.Writer, path string) (any, error) {
	var props map[string]json.RawMessage
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, where(path), err)
	}

	var name string
	rawName, ok := props["plugin"]
	if !ok {
		return nil, fmt.Errorf("%w: %s: missing \"plugin\" key", ErrInvalid, where(path))
	}
	if err := json.Unmarshal(rawName, &name); err != nil {
		return nil, fmt.Errorf("%w: %s: \"plugin\" must be a string", ErrInvalid, where(path))
	}
	factory := Lookup(name)
	if factory == nil {
		return nil, fmt.Errorf("%w: %s: unknown plugin %q", ErrInvalid, where(path), name)
	}
	instance := factory()

	keys := make([]string, 0, len(props))
	for k := range props {
		if k != "plugin" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := bytes.TrimSpace(props[key])
		keyPath := path + "." + key
		switch kindOf(value) {
		case '{':
			child, err := build(value, log, keyPath)
			if err != nil {
				return nil, err
			}
			attacher, ok := instance.(Attacher)
			if !ok {
				return nil, fmt.Errorf("%w: %s: plugin %q accepts no nested objects", ErrInvalid, where(keyPath), name)
			}
			if err := attacher.Attach(key, child); err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, where(keyPath), err)
			}
		case '[':
			fmt.Fprintf(log, "Warning: property %s of plugin %q is neither a primitive nor an object, ignoring\n", where(keyPath), name)
		default:
			if err := setPrimitive(instance, key, value); err != nil {
				if isUnknownField(err) {
					fmt.Fprintf(log, "Warning: plugin %q has no property %q, ignoring\n", name, key)
					continue
				}
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, where(keyPath), err)
			}
		}
	}

	if v, ok := instance.(interface{ Validate() error }); ok {
		if err := v.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, where(path), err)
		}
	}
	return instance, nil
}

// setPrimitive assigns one property, leaving all other fields untouched.
func setPrimitive(instance any, key string, value json.RawMessage) error {
	obj, err := json.Marshal(map[string]json.RawMessage{key: value})
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.DisallowUnknownFields()
	return dec.Decode(instance)
}

func kindOf(value []byte) byte {
	if len(value) == 0 {
		return 0
	}
	return value[0]
}

func isUnknownField(err error) bool {
	return strings.Contains(err.Error(), "unknown field")
}

func where(path string) string {
	if path == "" {
		return "<root>"
	}
	return strings.TrimPrefix(path, ".")
}
