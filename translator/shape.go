package translator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
)

// Shape converts the backend's data object into the contract's response
// message. Keys outside the response schema are dropped and nulls stay
// unset. A value of the wrong type means the backend drifted from the
// contract and yields an UpstreamError.
func Shape(c *contract.Contract, data json.RawMessage, logger *slog.Logger) (*dynamicpb.Message, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, drift(fmt.Errorf("data: %w", err))
	}

	s := shaper{names: c.Names, logger: logger}
	out := dynamicpb.NewMessage(c.Output)
	if err := s.fill(out, obj, ""); err != nil {
		return nil, err
	}
	return out, nil
}

func drift(err error) error {
	return errors.WrapKind(err, errors.KindUpstreamError, "backend response does not match the contract")
}

type shaper struct {
	names  *contract.NameTable
	logger *slog.Logger
}

func (s shaper) fill(msg protoreflect.Message, obj map[string]any, path string) error {
	md := msg.Descriptor()
	names := s.names.Message(md.FullName())
	fields := md.Fields()

	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		fn, _ := names.ByProto(string(fd.Name()))
		raw, ok := obj[fn.Backend]
		if !ok || raw == nil {
			continue
		}
		fpath := join(path, fn.Backend)

		if fd.IsList() {
			items, ok := raw.([]any)
			if !ok {
				return drift(fmt.Errorf("%s: expected a list, got %T", fpath, raw))
			}
			list := msg.Mutable(fd).List()
			for j, item := range items {
				if item == nil {
					continue
				}
				ipath := fmt.Sprintf("%s[%d]", fpath, j)
				if fd.Kind() == protoreflect.MessageKind {
					elem := list.NewElement()
					if err := s.object(elem.Message(), item, ipath); err != nil {
						return err
					}
					list.Append(elem)
					continue
				}
				v, err := s.scalar(fd, item, ipath)
				if err != nil {
					return err
				}
				list.Append(v)
			}
			continue
		}

		if fd.Kind() == protoreflect.MessageKind {
			child := msg.NewField(fd)
			if err := s.object(child.Message(), raw, fpath); err != nil {
				return err
			}
			msg.Set(fd, child)
			continue
		}
		v, err := s.scalar(fd, raw, fpath)
		if err != nil {
			return err
		}
		msg.Set(fd, v)
	}
	return nil
}

func (s shaper) object(msg protoreflect.Message, raw any, path string) error {
	obj, ok := raw.(map[string]any)
	if !ok {
		return drift(fmt.Errorf("%s: expected an object, got %T", path, raw))
	}
	return s.fill(msg, obj, path)
}

func (s shaper) scalar(fd protoreflect.FieldDescriptor, raw any, path string) (protoreflect.Value, error) {
	switch fd.Kind() {
	case protoreflect.Int32Kind:
		n, ok := raw.(json.Number)
		if !ok {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: expected an integer, got %T", path, raw))
		}
		f, err := n.Float64()
		if err != nil || f != math.Trunc(f) || f < math.MinInt32 || f > math.MaxInt32 {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: %s is not an int32", path, n))
		}
		return protoreflect.ValueOfInt32(int32(f)), nil

	case protoreflect.DoubleKind:
		n, ok := raw.(json.Number)
		if !ok {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: expected a number, got %T", path, raw))
		}
		f, err := n.Float64()
		if err != nil {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: %w", path, err))
		}
		return protoreflect.ValueOfFloat64(f), nil

	case protoreflect.BoolKind:
		b, ok := raw.(bool)
		if !ok {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: expected a boolean, got %T", path, raw))
		}
		return protoreflect.ValueOfBool(b), nil

	case protoreflect.StringKind:
		switch v := raw.(type) {
		case string:
			return protoreflect.ValueOfString(v), nil
		case json.Number:
			// custom scalars may serialize as numbers
			return protoreflect.ValueOfString(v.String()), nil
		case bool:
			return protoreflect.ValueOfString(fmt.Sprint(v)), nil
		default:
			text, err := json.Marshal(v)
			if err != nil {
				return protoreflect.Value{}, drift(fmt.Errorf("%s: %w", path, err))
			}
			return protoreflect.ValueOfString(string(text)), nil
		}

	case protoreflect.EnumKind:
		name, ok := raw.(string)
		if !ok {
			return protoreflect.Value{}, drift(fmt.Errorf("%s: expected an enum name, got %T", path, raw))
		}
		if en := s.names.Enum(fd.Enum().FullName()); en != nil {
			if ev, ok := en.ByBackend(name); ok {
				return protoreflect.ValueOfEnum(ev.Number), nil
			}
		}
		s.logger.Warn("Unknown enum value from backend", "path", path, "value", name, "enum", fd.Enum().FullName())
		return protoreflect.ValueOfEnum(0), nil
	}
	return protoreflect.Value{}, drift(fmt.Errorf("%s: unsupported kind %s", path, fd.Kind()))
}
