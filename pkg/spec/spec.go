package spec

import (
	"fmt"
	"sort"

	"github.com/runplane/runplane/pkg/engine"
	"github.com/spf13/cast"
)

// Spec is a map-backed configuration object. Configure populates typed fields
// from a generic map and keeps unrecognized keys; ToMap is its inverse.
type Spec interface {
	Configure(data map[string]interface{}) error
	ToMap() map[string]interface{}
}

// Extra holds keys a spec does not recognize, so they survive a round trip.
type Extra map[string]interface{}

// Get returns an extra value.
func (e Extra) Get(key string) (interface{}, bool) {
	v, ok := e[key]
	return v, ok
}

// Keys returns the sorted extra keys.
func (e Extra) Keys() []string {
	keys := make([]string, 0, len(e))
	for k := range e {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// declared records known keys whose input value was null or empty, with the
// normalized empty value to write back. Such keys are part of the layer even
// though their typed field is zero.
type declared map[string]interface{}

// decoder pops known keys out of a copy of the input map. Whatever is left
// after all known keys are read becomes the Extra bag.
type decoder struct {
	data  map[string]interface{}
	empty declared
	err   error
}

func newDecoder(data map[string]interface{}) *decoder {
	return &decoder{data: engine.CloneMap(data)}
}

func (d *decoder) take(key string) (interface{}, bool) {
	v, ok := d.data[key]
	if !ok {
		return nil, false
	}
	delete(d.data, key)
	if v == nil {
		d.keep(key, nil)
		return nil, false
	}
	return v, true
}

// keep marks key as declared with an empty value.
func (d *decoder) keep(key string, zero interface{}) {
	if d.empty == nil {
		d.empty = declared{}
	}
	d.empty[key] = zero
}

func (d *decoder) fail(key string, err error) {
	if d.err == nil {
		d.err = fmt.Errorf("field %q: %w", key, err)
	}
}

func (d *decoder) String(key string, dst *string) {
	if v, ok := d.take(key); ok {
		s, err := cast.ToStringE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = s
		if s == "" {
			d.keep(key, "")
		}
	}
}

func (d *decoder) Int(key string, dst *int) {
	if v, ok := d.take(key); ok {
		i, err := cast.ToIntE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = i
		if i == 0 {
			d.keep(key, 0)
		}
	}
}

func (d *decoder) Bool(key string, dst *bool) {
	if v, ok := d.take(key); ok {
		b, err := cast.ToBoolE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = b
		if !b {
			d.keep(key, false)
		}
	}
}

func (d *decoder) Strings(key string, dst *[]string) {
	if v, ok := d.take(key); ok {
		s, err := cast.ToStringSliceE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = s
		if len(s) == 0 {
			d.keep(key, []string{})
		}
	}
}

func (d *decoder) StringMap(key string, dst *map[string]string) {
	if v, ok := d.take(key); ok {
		m, err := cast.ToStringMapStringE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = m
		if len(m) == 0 {
			d.keep(key, map[string]string{})
		}
	}
}

func (d *decoder) Map(key string, dst *map[string]interface{}) {
	if v, ok := d.take(key); ok {
		m, err := cast.ToStringMapE(v)
		if err != nil {
			d.fail(key, err)
			return
		}
		*dst = m
		if len(m) == 0 {
			d.keep(key, map[string]interface{}{})
		}
	}
}

func (d *decoder) Maps(key string, dst *[]map[string]interface{}) {
	v, ok := d.take(key)
	if !ok {
		return
	}
	items, err := cast.ToSliceE(v)
	if err != nil {
		if typed, ok := v.([]map[string]interface{}); ok {
			*dst = typed
			if len(typed) == 0 {
				d.keep(key, []map[string]interface{}{})
			}
			return
		}
		d.fail(key, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		m, err := cast.ToStringMapE(item)
		if err != nil {
			d.fail(key, err)
			return
		}
		out = append(out, m)
	}
	*dst = out
	if len(out) == 0 {
		d.keep(key, []map[string]interface{}{})
	}
}

// finish returns the leftover keys, the keys declared empty and the first
// coercion error.
func (d *decoder) finish() (Extra, declared, error) {
	if d.err != nil {
		return nil, nil, engine.NewConfigurationError("invalid spec", d.err)
	}
	if len(d.data) == 0 {
		return nil, d.empty, nil
	}
	return Extra(d.data), d.empty, nil
}

// encoder writes non-zero fields on top of the extra bag and the keys the
// input declared empty. Other zero values are omitted so an unset field stays
// absent in the map.
type encoder map[string]interface{}

func newEncoder(extra Extra, empty declared) encoder {
	e := encoder(engine.CloneMap(extra))
	if e == nil {
		e = encoder{}
	}
	for k, v := range empty {
		e[k] = cloneZero(v)
	}
	return e
}

func cloneZero(v interface{}) interface{} {
	switch v.(type) {
	case []string:
		return []string{}
	case map[string]string:
		return map[string]string{}
	case map[string]interface{}:
		return map[string]interface{}{}
	case []map[string]interface{}:
		return []map[string]interface{}{}
	default:
		return v
	}
}

func (e encoder) String(key, v string) {
	if v != "" {
		e[key] = v
	}
}

func (e encoder) Int(key string, v int) {
	if v != 0 {
		e[key] = v
	}
}

func (e encoder) Bool(key string, v bool) {
	if v {
		e[key] = v
	}
}

func (e encoder) Strings(key string, v []string) {
	if len(v) > 0 {
		e[key] = append([]string(nil), v...)
	}
}

func (e encoder) StringMap(key string, v map[string]string) {
	if len(v) > 0 {
		out := make(map[string]string, len(v))
		for k, s := range v {
			out[k] = s
		}
		e[key] = out
	}
}

func (e encoder) Map(key string, v map[string]interface{}) {
	if len(v) > 0 {
		e[key] = engine.CloneMap(v)
	}
}

func (e encoder) Maps(key string, v []map[string]interface{}) {
	if len(v) > 0 {
		out := make([]map[string]interface{}, len(v))
		for i, m := range v {
			out[i] = engine.CloneMap(m)
		}
		e[key] = out
	}
}

// FromMap configures s from data and returns it.
func FromMap[T Spec](s T, data map[string]interface{}) (T, error) {
	err := s.Configure(data)
	return s, err
}
