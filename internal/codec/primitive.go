package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/CZERTAINLY/Legion/internal/model"
)

// Primitive stores strings, booleans, integers and floats inline.
// Integers read back as int64 and floats as float64. Floats are written
// with a decimal point, so 2.0 does not come back as an integer.
type Primitive struct{}

func (Primitive) Type() string     { return TypePrimitive }
func (Primitive) FileBacked() bool { return false }

// CanHandle accepts every integer kind, unsigned values above MaxInt64 then
// fail in Serialize with ErrIntegerOverflow.
func (Primitive) CanHandle(v any) bool {
	_, err := normalize(v)
	return err == nil || errors.Is(err, model.ErrIntegerOverflow)
}

func (c Primitive) Serialize(_ context.Context, v any, _, _ string) (Payload, error) {
	n, err := normalize(v)
	if err != nil {
		return Payload{}, err
	}
	if f, ok := n.(float64); ok {
		return Payload{Value: floatNumber(f)}, nil
	}
	return Payload{Value: n}, nil
}

func (Primitive) Deserialize(_ context.Context, p Payload, _ string) (any, error) {
	if num, ok := p.Value.(json.Number); ok {
		s := num.String()
		if strings.ContainsAny(s, ".eE") {
			return num.Float64()
		}
		return num.Int64()
	}
	return normalize(p.Value)
}

func normalize(v any) (any, error) {
	switch x := v.(type) {
	case string, bool, int64, float64:
		if f, ok := x.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("%w: %v is not representable", model.ErrUnsupportedType, f)
		}
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint:
		return fromUnsigned(uint64(x))
	case uint64:
		return fromUnsigned(x)
	case uintptr:
		return fromUnsigned(uint64(x))
	case float32:
		return normalize(float64(x))
	default:
		return nil, fmt.Errorf("%w: %T", model.ErrUnsupportedType, v)
	}
}

func fromUnsigned(u uint64) (any, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("%w: %d", model.ErrIntegerOverflow, u)
	}
	return int64(u), nil
}

func floatNumber(f float64) json.Number {
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}
