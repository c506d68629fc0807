package resource

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/nerrad567/gray-logic-resdb/internal/schema"
)

// SetValue writes v to the value node behind n.
//
// Values are normalized to the storage form of the node's kind: bool,
// int32, float32, int64 epoch millis for Time (time.Time is accepted),
// string, []byte, or a slice of one of those. Integral floats are accepted
// where integers are expected.
//
// Returns:
//   - error: ErrInvalidType for non-value nodes, ErrInvalidValue if v does
//     not fit the kind, ErrNotFound for unindexed or dangling nodes
func (s *Store) SetValue(n *Node, v any) error {
	return s.write(func(b *batch) error {
		t, err := s.liveResolvedLocked(n)
		if err != nil {
			return err
		}
		kind := t.typ.Kind()
		if !kind.IsValue() {
			return fmt.Errorf("%w: %s is not a value resource", ErrInvalidType, t.path)
		}
		nv, err := normalizeValue(kind, v)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidValue, t.path, err)
		}
		t.value = nv

		b.record(t, ChangeValue)
		b.values++
		s.emitLocked(b, t.regs, Event{Kind: ValueChanged, Node: t, Value: cloneValue(nv)}, false)
		return nil
	})
}

// Value returns the value behind n, nil if never set.
func (s *Store) Value(n *Node) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, err := s.liveResolvedLocked(n)
	if err != nil {
		return nil, err
	}
	if !t.typ.Kind().IsValue() {
		return nil, fmt.Errorf("%w: %s is not a value resource", ErrInvalidType, t.path)
	}
	return cloneValue(t.value), nil
}

// Float returns a Float or Integer value as float64.
func (s *Store) Float(n *Node) (float64, error) {
	v, err := s.Value(n)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float32:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	default:
		return 0, fmt.Errorf("%w: %T is not numeric", ErrInvalidValue, v)
	}
}

// Int returns an Integer or Time value as int64.
func (s *Store) Int(n *Node) (int64, error) {
	v, err := s.Value(n)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	default:
		return 0, fmt.Errorf("%w: %T is not an integer", ErrInvalidValue, v)
	}
}

// Bool returns a Boolean value.
func (s *Store) Bool(n *Node) (bool, error) {
	v, err := s.Value(n)
	if err != nil {
		return false, err
	}
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	default:
		return false, fmt.Errorf("%w: %T is not a boolean", ErrInvalidValue, v)
	}
}

// Text returns a String value.
func (s *Store) Text(n *Node) (string, error) {
	v, err := s.Value(n)
	if err != nil {
		return "", err
	}
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	default:
		return "", fmt.Errorf("%w: %T is not a string", ErrInvalidValue, v)
	}
}

// Activate marks the node behind n active, and with recursive its whole
// logical subtree.
func (s *Store) Activate(n *Node, recursive bool) error {
	return s.setActive(n, recursive, true)
}

// Deactivate clears the active flag, and with recursive for the whole
// logical subtree.
func (s *Store) Deactivate(n *Node, recursive bool) error {
	return s.setActive(n, recursive, false)
}

func (s *Store) setActive(n *Node, recursive, active bool) error {
	kind := ResourceDeactivated
	if active {
		kind = ResourceActivated
	}
	return s.write(func(b *batch) error {
		t, err := s.liveResolvedLocked(n)
		if err != nil {
			return err
		}
		nodes := []*Node{t}
		if recursive {
			nodes = s.logicalSubtreeLocked(t)
		}
		for _, cur := range nodes {
			if cur.active == active {
				continue
			}
			cur.active = active
			b.record(cur, ChangeValue)
			s.emitLocked(b, cur.regs, Event{Kind: kind, Node: cur}, true)
		}
		return nil
	})
}

// Exists reports whether n is indexed and, for references, resolves.
func (s *Store) Exists(n *Node) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err := s.liveResolvedLocked(n)
	return err == nil
}

// IsActive reports whether the node behind n exists and is active.
func (s *Store) IsActive(n *Node) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.liveResolvedLocked(n)
	return err == nil && t.active
}

// logicalSubtreeLocked returns the data-holding nodes reachable from n,
// crossing references.
func (s *Store) logicalSubtreeLocked(n *Node) []*Node {
	seen := make(map[int64]struct{})
	var out []*Node
	queue := []*Node{n}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.reference {
			t, err := s.resolveLocked(cur)
			if err != nil {
				continue
			}
			cur = t
		}
		if _, ok := seen[cur.id]; ok {
			continue
		}
		seen[cur.id] = struct{}{}
		out = append(out, cur)
		for _, id := range cur.order {
			if c, ok := s.byID[id]; ok {
				queue = append(queue, c)
			}
		}
	}
	return out
}

func normalizeValue(kind schema.Kind, v any) (any, error) {
	if v == nil {
		return nil, fmt.Errorf("nil value")
	}
	switch kind {
	case schema.KindBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case schema.KindInteger:
		if i, ok := toInt32(v); ok {
			return i, nil
		}
	case schema.KindFloat:
		if f, ok := toFloat32(v); ok {
			return f, nil
		}
	case schema.KindTime:
		if i, ok := toMillis(v); ok {
			return i, nil
		}
	case schema.KindString:
		if str, ok := v.(string); ok {
			return str, nil
		}
	case schema.KindOpaque:
		if raw, ok := v.([]byte); ok {
			return append([]byte(nil), raw...), nil
		}
	case schema.KindBooleanArray:
		if out, ok := convertSlice(v, toBool); ok {
			return out, nil
		}
	case schema.KindIntegerArray:
		if out, ok := convertSlice(v, toInt32); ok {
			return out, nil
		}
	case schema.KindFloatArray:
		if out, ok := convertSlice(v, toFloat32); ok {
			return out, nil
		}
	case schema.KindTimeArray:
		if out, ok := convertSlice(v, toMillis); ok {
			return out, nil
		}
	case schema.KindStringArray:
		if out, ok := convertSlice(v, toString); ok {
			return out, nil
		}
	}
	return nil, fmt.Errorf("%T does not fit %s", v, kind)
}

// decodeValue reads a logged value in the storage form of kind.
func decodeValue(kind schema.Kind, raw json.RawMessage) (any, error) {
	var target any
	switch kind {
	case schema.KindBoolean:
		target = new(bool)
	case schema.KindInteger:
		target = new(int32)
	case schema.KindFloat:
		target = new(float32)
	case schema.KindTime:
		target = new(int64)
	case schema.KindString:
		target = new(string)
	case schema.KindOpaque:
		target = new([]byte)
	case schema.KindBooleanArray:
		target = new([]bool)
	case schema.KindIntegerArray:
		target = new([]int32)
	case schema.KindFloatArray:
		target = new([]float32)
	case schema.KindTimeArray:
		target = new([]int64)
	case schema.KindStringArray:
		target = new([]string)
	default:
		return nil, fmt.Errorf("%w: %s nodes carry no value", ErrInvalidValue, kind)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: decoding %s value: %v", ErrInvalidValue, kind, err)
	}
	return reflect.ValueOf(target).Elem().Interface(), nil
}

func cloneValue(v any) any {
	switch x := v.(type) {
	case []byte:
		return append([]byte(nil), x...)
	case []bool:
		return append([]bool(nil), x...)
	case []int32:
		return append([]int32(nil), x...)
	case []float32:
		return append([]float32(nil), x...)
	case []int64:
		return append([]int64(nil), x...)
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

func convertSlice[T any](v any, conv func(any) (T, bool)) ([]T, bool) {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return nil, false
	}
	out := make([]T, rv.Len())
	for i := range out {
		e, ok := conv(rv.Index(i).Interface())
		if !ok {
			return nil, false
		}
		out[i] = e
	}
	return out, true
}

func toBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func toString(v any) (string, bool) {
	str, ok := v.(string)
	return str, ok
}

func toInt64(v any) (int64, bool) {
	switch x := v.(type) {
	case int:
		return int64(x), true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int64:
		return x, true
	case uint:
		return uintToInt64(uint64(x))
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return uintToInt64(x)
	case float32:
		return floatToInt64(float64(x))
	case float64:
		return floatToInt64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, true
		}
		if f, err := x.Float64(); err == nil {
			return floatToInt64(f)
		}
	}
	return 0, false
}

func uintToInt64(u uint64) (int64, bool) {
	if u > math.MaxInt64 {
		return 0, false
	}
	return int64(u), true
}

func floatToInt64(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Trunc(f) != f {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func toInt32(v any) (int32, bool) {
	i, ok := toInt64(v)
	if !ok || i < math.MinInt32 || i > math.MaxInt32 {
		return 0, false
	}
	return int32(i), true
}

func toFloat32(v any) (float32, bool) {
	var f float64
	switch x := v.(type) {
	case float32:
		f = float64(x)
	case float64:
		f = x
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		i, ok := toInt64(v)
		if !ok {
			return 0, false
		}
		f = float64(i)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > math.MaxFloat32 {
		return 0, false
	}
	return float32(f), true
}

func toMillis(v any) (int64, bool) {
	if t, ok := v.(time.Time); ok {
		return t.UnixMilli(), true
	}
	return toInt64(v)
}
