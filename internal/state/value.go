// Package state defines the typed attribute model shared by physical
// devices and their twins, plus canonical serialization and hashing used
// for rollback checkpoints and divergence bookkeeping.
package state

import (
	"fmt"
	"sort"
)

// Value is a sealed interface over the attribute types a device state may
// hold. Only Float, Int, Bool, and String implement it. Keeping the set
// closed makes canonical marshaling and distance computation total.
type Value interface {
	value() // sealed
}

// Float represents a continuous physical quantity (temperature, brightness
// as a percentage, power draw).
type Float float64

func (Float) value() {}

// Int represents a discrete quantity (fan speed step, channel number).
type Int int64

func (Int) value() {}

// Bool represents an on/off attribute.
type Bool bool

func (Bool) value() {}

// String represents an enumerated mode ("heat", "cool", "eco").
type String string

func (String) value() {}

// State is a device's attribute map. A State owned by a twin is never the
// same map instance as the one owned by the device record; Clone at every
// ownership boundary.
type State map[string]Value

// Clone returns an independent copy. Values are immutable scalars, so a
// shallow key copy is a deep copy.
func (s State) Clone() State {
	if s == nil {
		return nil
	}
	out := make(State, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Keys returns attribute names in sorted order for deterministic iteration.
func (s State) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Equal reports whether two states hold exactly the same attributes and
// values. Used by rollback verification, so it is exact, not approximate.
func (s State) Equal(other State) bool {
	if len(s) != len(other) {
		return false
	}
	for k, v := range s {
		ov, ok := other[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}

// AsFloat converts a numeric Value to float64 for distance computations.
// Bool maps to 0/1. Returns false for String values, which have no metric.
func AsFloat(v Value) (float64, bool) {
	switch val := v.(type) {
	case Float:
		return float64(val), true
	case Int:
		return float64(val), true
	case Bool:
		if val {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// FromAny converts a dynamically typed value (JSON decoding, adapter
// payloads) into a Value. Unsupported types are an error, never silently
// coerced.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case Value:
		return val, nil
	case float64:
		return Float(val), nil
	case float32:
		return Float(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	default:
		return nil, fmt.Errorf("unsupported attribute type %T", v)
	}
}
