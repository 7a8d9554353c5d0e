package schema

import (
	"encoding/json"
	"fmt"
	"math"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// buildMessage populates a dynamic message from a generic field map. Keys
// with no matching field and nil values are skipped rather than rejected,
// so callers can pass through request objects with extra metadata.
func buildMessage(md protoreflect.MessageDescriptor, obj map[string]any) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(md)
	for key, raw := range obj {
		fd := md.Fields().ByName(protoreflect.Name(key))
		if fd == nil || raw == nil {
			continue
		}
		if err := setField(msg, fd, raw); err != nil {
			return nil, fmt.Errorf("field %s: %w", key, err)
		}
	}
	return msg, nil
}

func setField(msg *dynamicpb.Message, fd protoreflect.FieldDescriptor, raw any) error {
	switch {
	case fd.IsMap():
		return fmt.Errorf("map fields are not supported")
	case fd.IsList():
		items, err := toAnySlice(raw)
		if err != nil {
			return err
		}
		list := msg.Mutable(fd).List()
		for _, item := range items {
			v, err := scalarValue(fd, item)
			if err != nil {
				return err
			}
			list.Append(v)
		}
		return nil
	default:
		v, err := scalarValue(fd, raw)
		if err != nil {
			return err
		}
		msg.Set(fd, v)
		return nil
	}
}

func toAnySlice(raw any) ([]any, error) {
	switch s := raw.(type) {
	case []any:
		return s, nil
	case []int64:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case []int:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case []string:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	case []float64:
		out := make([]any, len(s))
		for i, v := range s {
			out[i] = v
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected a list, got %T", raw)
	}
}

func scalarValue(fd protoreflect.FieldDescriptor, raw any) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.EnumKind:
		return enumValue(fd, raw)
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind:
		n, err := asInt64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt32(int32(n)), nil
	case protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		n, err := asInt64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfInt64(n), nil
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind:
		n, err := asInt64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint32(uint32(n)), nil
	case protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		n, err := asInt64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfUint64(uint64(n)), nil
	case protoreflect.FloatKind:
		f, err := asFloat64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat32(float32(f)), nil
	case protoreflect.DoubleKind:
		f, err := asFloat64(raw)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfFloat64(f), nil
	case protoreflect.BoolKind:
		b, ok := raw.(bool)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected bool, got %T", raw)
		}
		return protoreflect.ValueOfBool(b), nil
	case protoreflect.StringKind:
		s, ok := raw.(string)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected string, got %T", raw)
		}
		return protoreflect.ValueOfString(s), nil
	case protoreflect.BytesKind:
		b, ok := raw.([]byte)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected bytes, got %T", raw)
		}
		return protoreflect.ValueOfBytes(b), nil
	case protoreflect.MessageKind, protoreflect.GroupKind:
		obj, ok := raw.(map[string]any)
		if !ok {
			return protoreflect.Value{}, fmt.Errorf("expected object for %s, got %T", fd.Message().Name(), raw)
		}
		nested, err := buildMessage(fd.Message(), obj)
		if err != nil {
			return protoreflect.Value{}, err
		}
		return protoreflect.ValueOfMessage(nested), nil
	default:
		return protoreflect.Value{}, fmt.Errorf("unsupported field kind %s", fd.Kind())
	}
}

// enumValue accepts the numeric value or the enum key ("BUY", "MARKET").
func enumValue(fd protoreflect.FieldDescriptor, raw any) (protoreflect.Value, error) {
	if s, ok := raw.(string); ok {
		if v := fd.Enum().Values().ByName(protoreflect.Name(s)); v != nil {
			return protoreflect.ValueOfEnum(v.Number()), nil
		}
		return protoreflect.Value{}, fmt.Errorf("unknown %s value %q", fd.Enum().Name(), s)
	}
	n, err := asInt64(raw)
	if err != nil {
		return protoreflect.Value{}, err
	}
	return protoreflect.ValueOfEnum(protoreflect.EnumNumber(n)), nil
}

func asInt64(raw any) (int64, error) {
	switch n := raw.(type) {
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint32:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case float32:
		return int64(math.Round(float64(n))), nil
	case float64:
		return int64(math.Round(n)), nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", n.String())
		}
		return int64(math.Round(f)), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

func asFloat64(raw any) (float64, error) {
	switch n := raw.(type) {
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// messageToMap walks only the fields present on the wire, so absence stays
// observable to callers.
func messageToMap(msg protoreflect.Message) map[string]any {
	out := make(map[string]any)
	msg.Range(func(fd protoreflect.FieldDescriptor, v protoreflect.Value) bool {
		out[string(fd.Name())] = fieldValue(fd, v)
		return true
	})
	return out
}

func fieldValue(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch {
	case fd.IsMap():
		m := make(map[string]any)
		v.Map().Range(func(k protoreflect.MapKey, mv protoreflect.Value) bool {
			m[k.String()] = scalarToAny(fd.MapValue(), mv)
			return true
		})
		return m
	case fd.IsList():
		list := v.List()
		out := make([]any, list.Len())
		for i := 0; i < list.Len(); i++ {
			out[i] = scalarToAny(fd, list.Get(i))
		}
		return out
	default:
		return scalarToAny(fd, v)
	}
}

func scalarToAny(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.EnumKind:
		return int64(v.Enum())
	case protoreflect.Int32Kind, protoreflect.Sint32Kind, protoreflect.Sfixed32Kind,
		protoreflect.Int64Kind, protoreflect.Sint64Kind, protoreflect.Sfixed64Kind:
		return v.Int()
	case protoreflect.Uint32Kind, protoreflect.Fixed32Kind,
		protoreflect.Uint64Kind, protoreflect.Fixed64Kind:
		return v.Uint()
	case protoreflect.FloatKind, protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.BytesKind:
		return v.Bytes()
	case protoreflect.MessageKind, protoreflect.GroupKind:
		return messageToMap(v.Message())
	default:
		return v.Interface()
	}
}
