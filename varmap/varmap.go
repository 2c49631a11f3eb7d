package varmap

import (
	"fmt"
	"time"
)

// MaxKeyLength is the longest device key the unit protocol accepts. The set
// frame reserves seven bytes for `key=`, which caps the key at six.
const MaxKeyLength = 6

// Variable describes one named value addressable on the unit, together with
// the last state read back from it.
type Variable struct {
	Index          int           // dense ordinal, assigned from declaration order
	Name           string        // logical identifier used by callers
	Key            string        // short protocol key sent on the wire
	RegisterLength int           // 16-bit registers reserved for the wire value
	Refresh        time.Duration // background poll period, zero means on demand only

	// Value and LastChangedAt reflect the most recent completed read. Value
	// is nil until the first one. They are written only by the link's
	// dispatch worker; consumers should watch get events instead of polling
	// these fields.
	Value         *string
	LastChangedAt time.Time
}

// Registry is the static table of unit variables, indexed by ordinal
// position, by logical name and by device key. It is built once at startup
// and never gains or loses entries afterwards.
type Registry struct {
	ordered []*Variable
	byName  map[string]*Variable
	byKey   map[string]*Variable
}

// NewRegistry builds a registry from the given descriptors, assigning dense
// ordinals in declaration order. Duplicate or malformed entries are rejected
// here rather than surfacing later per operation.
func NewRegistry(vars []Variable) (*Registry, error) {
	r := &Registry{
		byName: make(map[string]*Variable, len(vars)),
		byKey:  make(map[string]*Variable, len(vars)),
	}

	for i := range vars {
		v := vars[i]
		v.Index = i

		if v.Name == "" {
			return nil, fmt.Errorf("variable %d: empty name", i)
		}
		if err := checkKey(v.Key); err != nil {
			return nil, fmt.Errorf("variable %q: %w", v.Name, err)
		}
		if v.RegisterLength < 1 {
			return nil, fmt.Errorf("variable %q: register length %d is not positive", v.Name, v.RegisterLength)
		}
		if v.Refresh < 0 {
			return nil, fmt.Errorf("variable %q: negative refresh interval %v", v.Name, v.Refresh)
		}
		if _, exists := r.byName[v.Name]; exists {
			return nil, fmt.Errorf("duplicate variable name %q", v.Name)
		}
		if _, exists := r.byKey[v.Key]; exists {
			return nil, fmt.Errorf("duplicate device key %q", v.Key)
		}

		p := &v
		r.ordered = append(r.ordered, p)
		r.byName[v.Name] = p
		r.byKey[v.Key] = p
	}

	return r, nil
}

// checkKey rejects keys that would corrupt the wire framing: the separator
// itself, control bytes, whitespace and anything outside printable ASCII.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty device key")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("device key %q exceeds %d characters", key, MaxKeyLength)
	}
	for i := 0; i < len(key); i++ {
		if key[i] <= 0x20 || key[i] > 0x7E || key[i] == '=' {
			return fmt.Errorf("device key %q contains invalid characters", key)
		}
	}
	return nil
}

// ByName returns the variable with the given logical name.
func (r *Registry) ByName(name string) (*Variable, bool) {
	v, ok := r.byName[name]
	return v, ok
}

// ByIndex returns the variable at the given ordinal position.
func (r *Registry) ByIndex(i int) (*Variable, bool) {
	if i < 0 || i >= len(r.ordered) {
		return nil, false
	}
	return r.ordered[i], true
}

// ByKey returns the variable with the given device key.
func (r *Registry) ByKey(key string) (*Variable, bool) {
	v, ok := r.byKey[key]
	return v, ok
}

// Has reports whether a variable with the given logical name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Len returns the number of registered variables.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// All returns the variables in ordinal order. The slice is shared; callers
// must not modify it.
func (r *Registry) All() []*Variable {
	return r.ordered
}
