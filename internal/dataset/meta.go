package dataset

import "fmt"

// Meta exposes dataset-level processing markers. Containers written by
// different tool versions keep these in two places: newer writers put a
// top-level "processed" block in metadata.json, older ones nest it under
// an "uns" mapping. The loader resolves the shape once and the rest of
// the pipeline works against this accessor.
type Meta interface {
	// Flag reports whether the named marker is set. The error case is a
	// malformed container where the marker location exists but cannot be
	// interpreted; callers treat that as "unknown, assume unset".
	Flag(name string) (bool, error)
	SetFlag(name string)
}

// DirectMeta reads markers from a flat flag map.
type DirectMeta struct {
	flags map[string]bool
}

// NewDirectMeta creates a direct accessor over the given flags.
func NewDirectMeta(flags map[string]bool) *DirectMeta {
	if flags == nil {
		flags = make(map[string]bool)
	}
	return &DirectMeta{flags: flags}
}

func (m *DirectMeta) Flag(name string) (bool, error) {
	return m.flags[name], nil
}

func (m *DirectMeta) SetFlag(name string) {
	m.flags[name] = true
}

// Flags returns the underlying flag map (for serialization).
func (m *DirectMeta) Flags() map[string]bool {
	return m.flags
}

// WrappedMeta reads markers from an "uns" mapping as produced by older
// container writers, where flags live under uns["processed"].
type WrappedMeta struct {
	uns map[string]interface{}
}

// NewWrappedMeta creates an accessor over an uns mapping.
func NewWrappedMeta(uns map[string]interface{}) *WrappedMeta {
	if uns == nil {
		uns = make(map[string]interface{})
	}
	return &WrappedMeta{uns: uns}
}

func (m *WrappedMeta) processed() (map[string]interface{}, error) {
	raw, ok := m.uns["processed"]
	if !ok {
		return nil, nil
	}
	block, ok := raw.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("uns.processed has unexpected type %T", raw)
	}
	return block, nil
}

func (m *WrappedMeta) Flag(name string) (bool, error) {
	block, err := m.processed()
	if err != nil || block == nil {
		return false, err
	}
	switch v := block[name].(type) {
	case bool:
		return v, nil
	case nil:
		return false, nil
	default:
		return false, fmt.Errorf("uns.processed.%s has unexpected type %T", name, v)
	}
}

func (m *WrappedMeta) SetFlag(name string) {
	block, err := m.processed()
	if err != nil || block == nil {
		block = make(map[string]interface{})
		m.uns["processed"] = block
	}
	block[name] = true
}

// Uns returns the underlying mapping (for serialization).
func (m *WrappedMeta) Uns() map[string]interface{} {
	return m.uns
}

func copyMeta(meta Meta) (Meta, error) {
	switch m := meta.(type) {
	case *DirectMeta:
		flags := make(map[string]bool, len(m.flags))
		for k, v := range m.flags {
			flags[k] = v
		}
		return NewDirectMeta(flags), nil
	case *WrappedMeta:
		uns := make(map[string]interface{}, len(m.uns))
		for k, v := range m.uns {
			if block, ok := v.(map[string]interface{}); ok {
				bc := make(map[string]interface{}, len(block))
				for bk, bv := range block {
					bc[bk] = bv
				}
				uns[k] = bc
				continue
			}
			uns[k] = v
		}
		return NewWrappedMeta(uns), nil
	case nil:
		return NewDirectMeta(nil), nil
	default:
		return nil, fmt.Errorf("unknown metadata accessor type %T", meta)
	}
}
