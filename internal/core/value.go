package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Value is the resolved value of a flag for one player. Exactly one of the
// payload fields is meaningful, selected by the kind. The zero Value is
// absent: no region in effect sets the flag.
type Value struct {
	kind  Type
	state State
	b     bool
	i     int64
	f     float64
	s     string
}

func Absent() Value               { return Value{} }
func StateValue(s State) Value    { return Value{kind: TypeState, state: s} }
func BoolValue(b bool) Value      { return Value{kind: TypeBoolean, b: b} }
func IntValue(i int64) Value      { return Value{kind: TypeInteger, i: i} }
func DoubleValue(f float64) Value { return Value{kind: TypeDouble, f: f} }
func StringValue(s string) Value  { return Value{kind: TypeString, s: s} }
func (v Value) Present() bool     { return v.kind != 0 }
func (v Value) Type() Type        { return v.kind }

func (v Value) State() (State, bool) {
	return v.state, v.kind == TypeState
}

func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == TypeBoolean
}

func (v Value) Int() (int64, bool) {
	return v.i, v.kind == TypeInteger
}

func (v Value) Double() (float64, bool) {
	return v.f, v.kind == TypeDouble
}

func (v Value) Str() (string, bool) {
	return v.s, v.kind == TypeString
}

// Equal reports value equality. Absent equals absent; NaN equals NaN so a
// region holding NaN does not notify on every refresh.
func (v Value) Equal(other Value) bool {
	if v.kind != other.kind {
		return false
	}

	switch v.kind {
	case TypeState:
		return v.state == other.state
	case TypeBoolean:
		return v.b == other.b
	case TypeInteger:
		return v.i == other.i
	case TypeDouble:
		return v.f == other.f || (math.IsNaN(v.f) && math.IsNaN(other.f))
	case TypeString:
		return v.s == other.s
	default:
		return true
	}
}

// Interface returns the payload as a plain Go value, or nil when absent.
func (v Value) Interface() any {
	switch v.kind {
	case TypeState:
		return v.state
	case TypeBoolean:
		return v.b
	case TypeInteger:
		return v.i
	case TypeDouble:
		return v.f
	case TypeString:
		return v.s
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case TypeState:
		return v.state.String()
	case TypeBoolean:
		return strconv.FormatBool(v.b)
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.s)
	default:
		return "<absent>"
	}
}

func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == TypeDouble && (math.IsNaN(v.f) || math.IsInf(v.f, 0)) {
		return json.Marshal(strconv.FormatFloat(v.f, 'g', -1, 64))
	}
	payload, err := json.Marshal(v.Interface())
	if err != nil {
		return nil, fmt.Errorf("marshal %s value: %w", v.kind, err)
	}
	return payload, nil
}
