package runtime

import (
	"fmt"

	"github.com/stackshq/stacks/pkg/bus"
)

// ParamDataType tags the expected shape of one call parameter. The tags are
// documentation surfaced through method introspection; handlers still
// validate the values they receive.
type ParamDataType string

const (
	ParamString ParamDataType = "string"
	ParamNumber ParamDataType = "number"
	ParamArray  ParamDataType = "array"
	ParamObject ParamDataType = "object"
	ParamBool   ParamDataType = "bool"
	ParamAny    ParamDataType = "any"
)

// ParamDef describes one positional parameter of a method.
type ParamDef struct {
	Name     string
	Required bool
	DataType ParamDataType
	Desc     string
}

// ParamCount is a method's arity constraint: an exact count, a closed range,
// or an open minimum.
type ParamCount struct {
	min int
	max int // -1 means unbounded
}

// ParamZero accepts only zero parameters.
func ParamZero() ParamCount { return ParamCount{0, 0} }

// ParamExactly accepts exactly n parameters.
func ParamExactly(n int) ParamCount { return ParamCount{n, n} }

// ParamRange accepts between min and max parameters inclusive.
func ParamRange(min, max int) ParamCount { return ParamCount{min, max} }

// ParamAtLeast accepts min or more parameters.
func ParamAtLeast(min int) ParamCount { return ParamCount{min, -1} }

// Check reports whether a call with n arguments satisfies the constraint.
func (p ParamCount) Check(n int) bool {
	if n < p.min {
		return false
	}
	return p.max < 0 || n <= p.max
}

func (p ParamCount) String() string {
	switch {
	case p.max < 0:
		return fmt.Sprintf("at least %d", p.min)
	case p.min == p.max:
		return fmt.Sprintf("exactly %d", p.min)
	default:
		return fmt.Sprintf("between %d and %d", p.min, p.max)
	}
}

// Handler executes one call. The worker argument carries the handler's
// already-typed per-worker state; no runtime type recovery is involved.
type Handler[S WorkerState] func(w *Worker[S], ses *ServerSession, call *bus.Call) error

// MethodDef is one callable operation: a public name, an arity constraint,
// ordered parameter descriptors, and a handler.
type MethodDef[S WorkerState] struct {
	Name       string
	Desc       string
	ParamCount ParamCount
	Params     []ParamDef
	Handler    Handler[S]
}

// Clone returns a copy of the definition published under a new name. Stub
// templates are cloned once per generated method.
func (m *MethodDef[S]) Clone(name string) *MethodDef[S] {
	c := *m
	c.Name = name
	c.Params = append([]ParamDef(nil), m.Params...)
	return &c
}
