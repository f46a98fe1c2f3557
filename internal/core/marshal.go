package core

import (
	"fmt"
	"math"
	"reflect"
)

// Marshal translates a raw value reported by the region system into a Value
// of the declared type. A nil raw value maps to the absent Value.
func Marshal(t Type, raw any) (Value, error) {
	if raw == nil {
		return Value{}, nil
	}

	switch t {
	case TypeState:
		switch v := raw.(type) {
		case State:
			if v == StateAllow || v == StateDeny {
				return StateValue(v), nil
			}
		case bool:
			if v {
				return StateValue(StateAllow), nil
			}
			return StateValue(StateDeny), nil
		case string:
			state, err := ParseState(v)
			if err != nil {
				return Value{}, err
			}
			return StateValue(state), nil
		}
	case TypeBoolean:
		if v, ok := raw.(bool); ok {
			return BoolValue(v), nil
		}
	case TypeInteger:
		if v, ok := asInt64(raw); ok {
			return IntValue(v), nil
		}
		if v, ok := asUint64(raw); ok && v <= math.MaxInt64 {
			return IntValue(int64(v)), nil
		}
		if v, ok := asFloat64(raw); ok && isWholeFinite(v) && v >= float64(math.MinInt64) && v < float64(math.MaxInt64) {
			return IntValue(int64(v)), nil
		}
	case TypeDouble:
		if v, ok := asFloat64(raw); ok {
			return DoubleValue(v), nil
		}
		if v, ok := asInt64(raw); ok {
			return DoubleValue(float64(v)), nil
		}
		if v, ok := asUint64(raw); ok {
			return DoubleValue(float64(v)), nil
		}
	case TypeString:
		if v, ok := raw.(string); ok {
			return StringValue(v), nil
		}
	default:
		return Value{}, fmt.Errorf("%w: %s", ErrInvalidFlag, t)
	}

	return Value{}, fmt.Errorf("%w: %T for %s flag", ErrValueType, raw, t)
}

// RawEqual compares two raw region flag values. Numbers compare by value
// across integer and float representations so that a region reloaded from
// JSON (float64) does not look different from one built in code (int).
func RawEqual(left, right any) bool {
	if leftInt, ok := asInt64(left); ok {
		if rightInt, ok := asInt64(right); ok {
			return leftInt == rightInt
		}

		if rightUint, ok := asUint64(right); ok {
			if leftInt < 0 {
				return false
			}
			return uint64(leftInt) == rightUint
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsInt64(rightFloat, leftInt)
		}
	}

	if leftUint, ok := asUint64(left); ok {
		if rightUint, ok := asUint64(right); ok {
			return leftUint == rightUint
		}

		if rightInt, ok := asInt64(right); ok {
			if rightInt < 0 {
				return false
			}
			return leftUint == uint64(rightInt)
		}

		if rightFloat, ok := asFloat64(right); ok {
			return floatEqualsUint64(rightFloat, leftUint)
		}
	}

	if leftFloat, ok := asFloat64(left); ok {
		if rightFloat, ok := asFloat64(right); ok {
			return leftFloat == rightFloat || (math.IsNaN(leftFloat) && math.IsNaN(rightFloat))
		}

		if rightInt, ok := asInt64(right); ok {
			return floatEqualsInt64(leftFloat, rightInt)
		}

		if rightUint, ok := asUint64(right); ok {
			return floatEqualsUint64(leftFloat, rightUint)
		}
	}

	return reflect.DeepEqual(left, right)
}

func asInt64(value any) (int64, bool) {
	switch number := value.(type) {
	case int:
		return int64(number), true
	case int8:
		return int64(number), true
	case int16:
		return int64(number), true
	case int32:
		return int64(number), true
	case int64:
		return number, true
	default:
		return 0, false
	}
}

func asUint64(value any) (uint64, bool) {
	switch number := value.(type) {
	case uint:
		return uint64(number), true
	case uint8:
		return uint64(number), true
	case uint16:
		return uint64(number), true
	case uint32:
		return uint64(number), true
	case uint64:
		return number, true
	default:
		return 0, false
	}
}

func asFloat64(value any) (float64, bool) {
	switch number := value.(type) {
	case float32:
		return float64(number), true
	case float64:
		return number, true
	default:
		return 0, false
	}
}

func floatEqualsInt64(left float64, right int64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < float64(math.MinInt64) || left >= float64(math.MaxInt64) {
		return false
	}

	converted := int64(left)
	return float64(converted) == left && converted == right
}

func floatEqualsUint64(left float64, right uint64) bool {
	if !isWholeFinite(left) {
		return false
	}

	if left < 0 || left >= float64(math.MaxUint64) {
		return false
	}

	converted := uint64(left)
	return float64(converted) == left && converted == right
}

func isWholeFinite(value float64) bool {
	return !math.IsNaN(value) && !math.IsInf(value, 0) && math.Trunc(value) == value
}
