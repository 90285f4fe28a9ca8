package space

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
)

// Value is a single user-domain parameter value. Exactly one field is
// meaningful, selected by the owning Dimension's Kind.
type Value struct {
	Kind  Kind
	Int   int64
	Float float64
	Bool  bool
	Label string
}

// User is a parameter vector in user-domain form, keyed by dimension id.
type User map[string]Value

// Encoded is a parameter vector in the optimizer's continuous domain, keyed
// by dimension id.
type Encoded map[string]float64

// ConstraintFunc is an optional, idempotent pure projection applied to a
// decoded user vector to enforce inter-parameter invariants (e.g. clamping
// one parameter relative to another).
type ConstraintFunc func(User) User

// Space is a built, immutable parameter space: the ordered set of enabled
// dimensions plus their encode/decode rules.
type Space struct {
	dims        []Dimension
	byID        map[string]Dimension
	constraints ConstraintFunc
}

// Build validates config and constructs a Space. It rejects a config with no
// enabled dimension, an invalid numeric range, or an empty categorical label
// list.
func Build(dims []Dimension, constraints ConstraintFunc) (*Space, error) {
	var enabled []Dimension
	byID := make(map[string]Dimension)
	for _, d := range dims {
		if !d.Enabled {
			continue
		}
		if err := d.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate dimension id %q", d.ID)
		}
		byID[d.ID] = d
		enabled = append(enabled, d)
	}
	if len(enabled) == 0 {
		return nil, fmt.Errorf("parameter space: no dimension is enabled")
	}
	// Stable order by declaration order already preserved by append.
	return &Space{dims: enabled, byID: byID, constraints: constraints}, nil
}

// Dimensions returns the enabled dimensions in declaration order.
func (s *Space) Dimensions() []Dimension {
	out := make([]Dimension, len(s.dims))
	copy(out, s.dims)
	return out
}

// Dim looks up an enabled dimension by id.
func (s *Space) Dim(id string) (Dimension, bool) {
	d, ok := s.byID[id]
	return d, ok
}

// Len returns the number of enabled dimensions.
func (s *Space) Len() int { return len(s.dims) }

// Bounds returns the (lo, hi) encoded bounds per dimension id as a map, which
// carries no ordering. Used by adaptive-bounds domain reduction.
func (s *Space) Bounds() map[string][2]float64 {
	out := make(map[string][2]float64, len(s.dims))
	for _, d := range s.dims {
		lo, hi := d.encodedRange()
		out[d.ID] = [2]float64{lo, hi}
	}
	return out
}

// Encode maps a user-domain vector to the continuous encoded domain. Missing
// dimensions are an error; extra keys are ignored.
func (s *Space) Encode(u User) (Encoded, error) {
	out := make(Encoded, len(s.dims))
	for _, d := range s.dims {
		v, ok := u[d.ID]
		if !ok {
			return nil, fmt.Errorf("encode: missing value for dimension %q", d.ID)
		}
		x, err := encodeOne(d, v)
		if err != nil {
			return nil, err
		}
		out[d.ID] = x
	}
	return out, nil
}

func encodeOne(d Dimension, v Value) (float64, error) {
	switch d.Kind {
	case KindFloat:
		return v.Float, nil
	case KindInt:
		return float64(v.Int), nil
	case KindBool:
		if v.Bool {
			return 1, nil
		}
		return 0, nil
	case KindCategorical, KindOrdinal:
		for i, label := range d.Labels {
			if label == v.Label {
				return float64(i), nil
			}
		}
		return 0, fmt.Errorf("encode: dimension %q: unknown label %q", d.ID, v.Label)
	default:
		return 0, fmt.Errorf("encode: dimension %q: unsupported kind", d.ID)
	}
}

// Decode maps an encoded vector back to the user domain, clipping, rounding
// and snapping to step grids. If a constraint function was
// supplied to Build, it is applied to the result before returning.
func (s *Space) Decode(e Encoded) (User, error) {
	out := make(User, len(s.dims))
	for _, d := range s.dims {
		x, ok := e[d.ID]
		if !ok {
			return nil, fmt.Errorf("decode: missing encoded value for dimension %q", d.ID)
		}
		out[d.ID] = decodeOne(d, x)
	}
	if s.constraints != nil {
		out = s.constraints(out)
	}
	return out, nil
}

func decodeOne(d Dimension, x float64) Value {
	switch d.Kind {
	case KindFloat:
		v := clip(x, d.Min, d.Max)
		if d.Step > 0 {
			v = snapToStep(v, d.Min, d.Step)
			v = clip(v, d.Min, d.Max)
		}
		return Value{Kind: KindFloat, Float: v}
	case KindInt:
		v := clip(x, d.Min, d.Max)
		v = math.Round(v)
		if d.Step > 0 {
			v = snapToStep(v, d.Min, d.Step)
		}
		v = clip(v, d.Min, d.Max)
		return Value{Kind: KindInt, Int: int64(math.Round(v))}
	case KindBool:
		return Value{Kind: KindBool, Bool: x > 0.5}
	case KindCategorical, KindOrdinal:
		idx := int(math.Round(x))
		if idx < 0 {
			idx = 0
		}
		if idx > len(d.Labels)-1 {
			idx = len(d.Labels) - 1
		}
		return Value{Kind: d.Kind, Label: d.Labels[idx]}
	default:
		return Value{}
	}
}

// SampleUniform draws an independent uniform point within each dimension's
// encoded range.
func (s *Space) SampleUniform(rng *rand.Rand) Encoded {
	out := make(Encoded, len(s.dims))
	for _, d := range s.dims {
		lo, hi := d.encodedRange()
		if hi <= lo {
			out[d.ID] = lo
			continue
		}
		out[d.ID] = lo + rng.Float64()*(hi-lo)
	}
	return out
}

// ApplyConstraints re-applies the configured constraint projection to a
// decoded user vector. It is a no-op if no constraint function was supplied.
// Calling it twice in succession yields the same result as calling it once
// (idempotent), which callers may rely on.
func (s *Space) ApplyConstraints(u User) User {
	if s.constraints == nil {
		return u
	}
	return s.constraints(u)
}

// OrderedIDs returns dimension ids sorted lexically, giving a column order
// for the GP surrogate's design matrix that is stable across processes
// regardless of the order dimensions were declared in.
func (s *Space) OrderedIDs() []string {
	ids := make([]string, len(s.dims))
	for i, d := range s.dims {
		ids[i] = d.ID
	}
	sort.Strings(ids)
	return ids
}
