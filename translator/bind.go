package translator

import (
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/c360/connectgate/backend"
	"github.com/c360/connectgate/contract"
)

// Bind maps a validated request onto the backend's variables. The result
// holds exactly one variable per request field: absent fields take the
// declared default, or null.
func Bind(c *contract.Contract, msg protoreflect.Message) backend.Query {
	b := binder{names: c.Names}
	vars := make(map[string]any, len(c.Variables))
	names := c.Names.Message(c.Input.FullName())

	for _, v := range c.Variables {
		fd := v.Field
		fn, _ := names.ByProto(string(fd.Name()))

		switch {
		case fd.IsList():
			list := msg.Get(fd).List()
			switch {
			case list.Len() > 0 || v.Required:
				vars[fn.Backend] = b.list(fd, list)
			case v.HasDefault:
				vars[fn.Backend] = v.Default
			default:
				vars[fn.Backend] = nil
			}
		case msg.Has(fd):
			vars[fn.Backend] = b.value(fd, msg.Get(fd))
		case v.HasDefault:
			vars[fn.Backend] = v.Default
		default:
			vars[fn.Backend] = nil
		}
	}

	return backend.Query{
		Query:         c.Operation,
		OperationName: c.OperationName,
		Variables:     vars,
	}
}

type binder struct {
	names *contract.NameTable
}

func (b binder) value(fd protoreflect.FieldDescriptor, v protoreflect.Value) any {
	switch fd.Kind() {
	case protoreflect.Int32Kind:
		return v.Int()
	case protoreflect.DoubleKind:
		return v.Float()
	case protoreflect.BoolKind:
		return v.Bool()
	case protoreflect.StringKind:
		return v.String()
	case protoreflect.EnumKind:
		if en := b.names.Enum(fd.Enum().FullName()); en != nil {
			if ev, ok := en.ByNumber(v.Enum()); ok {
				return ev.Backend
			}
		}
		return nil
	case protoreflect.MessageKind:
		return b.object(v.Message())
	}
	return nil
}

func (b binder) list(fd protoreflect.FieldDescriptor, list protoreflect.List) []any {
	out := make([]any, 0, list.Len())
	for i := 0; i < list.Len(); i++ {
		out = append(out, b.value(fd, list.Get(i)))
	}
	return out
}

// object maps an input object. Unset fields are left out so the backend
// applies its own defaults.
func (b binder) object(msg protoreflect.Message) map[string]any {
	md := msg.Descriptor()
	names := b.names.Message(md.FullName())
	fields := md.Fields()

	out := make(map[string]any, fields.Len())
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		fn, _ := names.ByProto(string(fd.Name()))
		if fd.IsList() {
			if list := msg.Get(fd).List(); list.Len() > 0 {
				out[fn.Backend] = b.list(fd, list)
			}
			continue
		}
		if msg.Has(fd) {
			out[fn.Backend] = b.value(fd, msg.Get(fd))
		}
	}
	return out
}
