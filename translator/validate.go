package translator

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
)

// Validate checks a decoded request against its contract and returns every
// violation found. Paths use external names: filter.name, ids[2].
func Validate(c *contract.Contract, msg protoreflect.Message) []errors.FieldViolation {
	v := &validator{contract: c}
	v.message(msg, "", "")
	return v.violations
}

type validator struct {
	contract   *contract.Contract
	violations []errors.FieldViolation
}

func (v *validator) add(path, format string, args ...any) {
	v.violations = append(v.violations, errors.FieldViolation{
		Field:       path,
		Description: fmt.Sprintf(format, args...),
	})
}

// message walks msg. path carries list indices; cpath is the constraint
// key, which does not.
func (v *validator) message(msg protoreflect.Message, path, cpath string) {
	md := msg.Descriptor()
	names := v.contract.Names.Message(md.FullName())
	fields := md.Fields()

	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		fn, _ := names.ByProto(string(fd.Name()))
		fpath := join(path, fn.External)
		fcpath := join(cpath, fn.External)

		if fd.IsList() {
			list := msg.Get(fd).List()
			for j := 0; j < list.Len(); j++ {
				v.value(fd, list.Get(j), fmt.Sprintf("%s[%d]", fpath, j), fcpath)
			}
			continue
		}
		if !msg.Has(fd) {
			if fn.Required {
				v.add(fpath, "is required")
			}
			continue
		}
		v.value(fd, msg.Get(fd), fpath, fcpath)
	}
}

func (v *validator) value(fd protoreflect.FieldDescriptor, val protoreflect.Value, path, cpath string) {
	switch fd.Kind() {
	case protoreflect.MessageKind:
		v.message(val.Message(), path, cpath)
		return

	case protoreflect.EnumKind:
		n := val.Enum()
		ed := fd.Enum()
		if n == 0 {
			v.add(path, "must not be %s", ed.Values().ByNumber(0).Name())
			return
		}
		if ed.Values().ByNumber(n) == nil {
			v.add(path, "unknown enum value %d", n)
		}
		return
	}

	fc := v.contract.Constraint(cpath)
	if fc == nil {
		return
	}

	switch fd.Kind() {
	case protoreflect.Int32Kind, protoreflect.DoubleKind:
		var f float64
		if fd.Kind() == protoreflect.Int32Kind {
			f = float64(val.Int())
		} else {
			f = val.Float()
		}
		if fc.Min != nil && f < *fc.Min {
			v.add(path, "must be >= %v", *fc.Min)
		}
		if fc.Max != nil && f > *fc.Max {
			v.add(path, "must be <= %v", *fc.Max)
		}

	case protoreflect.StringKind:
		s := val.String()
		if fc.MaxLength != nil && utf8.RuneCountInString(s) > *fc.MaxLength {
			v.add(path, "must be at most %d characters", *fc.MaxLength)
		}
		if fc.Pattern != "" && !fc.Matches(s) {
			v.add(path, "must match %s", fc.Pattern)
		}
	}
}

func join(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "." + name
}
