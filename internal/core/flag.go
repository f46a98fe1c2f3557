// Package core holds the region flag model: flag declarations, the typed
// value union, and the per-player value tracker that fans out changes to
// listeners.
package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidFlag = errors.New("invalid flag")
	ErrValueType   = errors.New("value does not match flag type")
)

// Type is the kind of value a region flag carries.
type Type int

const (
	TypeState Type = iota + 1
	TypeBoolean
	TypeInteger
	TypeDouble
	TypeString
)

func (t Type) String() string {
	switch t {
	case TypeState:
		return "state"
	case TypeBoolean:
		return "boolean"
	case TypeInteger:
		return "integer"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func (t Type) Valid() bool {
	return t >= TypeState && t <= TypeString
}

// ParseType accepts the lower-case names returned by [Type.String].
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "state":
		return TypeState, nil
	case "boolean", "bool":
		return TypeBoolean, nil
	case "integer", "int":
		return TypeInteger, nil
	case "double", "float":
		return TypeDouble, nil
	case "string":
		return TypeString, nil
	default:
		return 0, fmt.Errorf("%w: unknown type %q", ErrInvalidFlag, s)
	}
}

// State is the value of an allow/deny toggle flag.
type State int

const (
	StateAllow State = iota + 1
	StateDeny
)

func (s State) String() string {
	switch s {
	case StateAllow:
		return "allow"
	case StateDeny:
		return "deny"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	if s != StateAllow && s != StateDeny {
		return nil, fmt.Errorf("%w: %s", ErrValueType, s)
	}
	return []byte(s.String()), nil
}

func ParseState(s string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		return StateAllow, nil
	case "deny":
		return StateDeny, nil
	default:
		return 0, fmt.Errorf("%w: unknown state %q", ErrValueType, s)
	}
}

// Flag is a named, typed region attribute. Flags are compared by identity:
// two *Flag values with the same name are different flags.
type Flag struct {
	name string
	typ  Type
}

func NewFlag(name string, typ Type) (*Flag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidFlag)
	}
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidFlag, typ)
	}
	return &Flag{name: name, typ: typ}, nil
}

// MustFlag is like NewFlag but panics on an invalid declaration. It is meant
// for package-level flag variables.
func MustFlag(name string, typ Type) *Flag {
	f, err := NewFlag(name, typ)
	if err != nil {
		panic(err)
	}
	return f
}

func StateFlag(name string) *Flag   { return MustFlag(name, TypeState) }
func BooleanFlag(name string) *Flag { return MustFlag(name, TypeBoolean) }
func IntegerFlag(name string) *Flag { return MustFlag(name, TypeInteger) }
func DoubleFlag(name string) *Flag  { return MustFlag(name, TypeDouble) }
func StringFlag(name string) *Flag  { return MustFlag(name, TypeString) }

func (f *Flag) Name() string { return f.name }
func (f *Flag) Type() Type   { return f.typ }

func (f *Flag) String() string {
	return fmt.Sprintf("%s:%s", f.name, f.typ)
}
