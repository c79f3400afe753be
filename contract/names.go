package contract

import (
	"fmt"
	"strings"
	"unicode"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// SnakeCase converts a GraphQL name to a proto field name:
// firstName -> first_name, employeeID -> employee_id. Leading underscores
// are kept so __typename stays __typename.
func SnakeCase(name string) string {
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(name) + 4)
	for i, r := range runes {
		if unicode.IsUpper(r) && i > 0 {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// UpperSnake converts a GraphQL type or enum value name to SCREAMING_SNAKE
func UpperSnake(name string) string {
	return strings.ToUpper(SnakeCase(name))
}

// PascalCase upper-cases the first rune, used for nested message names
func PascalCase(name string) string {
	trimmed := strings.TrimLeft(name, "_")
	if trimmed == "" {
		return "X" + name
	}
	runes := []rune(trimmed)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}

// EnumValueName is the proto enum value name for a GraphQL enum value:
// enum Mood, value HAPPY -> MOOD_HAPPY.
func EnumValueName(enumName, value string) string {
	return UpperSnake(enumName) + "_" + UpperSnake(value)
}

// UnspecifiedValueName is the zero value name of the proto enum for enumName
func UnspecifiedValueName(enumName string) string {
	return UpperSnake(enumName) + "_UNSPECIFIED"
}

// FieldNames ties one field's three names together. External is the JSON
// name clients use, Proto the descriptor field name, Backend the GraphQL
// variable, field or alias name.
type FieldNames struct {
	External string
	Proto    string
	Backend  string
	Number   protoreflect.FieldNumber
	Required bool // input fields only: non-null without a default
}

// MessageNames is the name mapping for one message
type MessageNames struct {
	FullName protoreflect.FullName
	Fields   []FieldNames

	byExternal map[string]int
	byProto    map[string]int
	byBackend  map[string]int
}

// ByExternal looks a field up by its JSON name
func (m *MessageNames) ByExternal(name string) (FieldNames, bool) {
	return m.lookup(m.byExternal, name)
}

// ByProto looks a field up by its descriptor name
func (m *MessageNames) ByProto(name string) (FieldNames, bool) {
	return m.lookup(m.byProto, name)
}

// ByBackend looks a field up by its GraphQL name
func (m *MessageNames) ByBackend(name string) (FieldNames, bool) {
	return m.lookup(m.byBackend, name)
}

func (m *MessageNames) lookup(index map[string]int, name string) (FieldNames, bool) {
	i, ok := index[name]
	if !ok {
		return FieldNames{}, false
	}
	return m.Fields[i], true
}

// EnumValueNames ties a proto enum value to its GraphQL value
type EnumValueNames struct {
	Proto   string
	Backend string
	Number  protoreflect.EnumNumber
}

// EnumNames is the name mapping for one enum. The UNSPECIFIED value has no
// backend name and is not listed.
type EnumNames struct {
	FullName protoreflect.FullName
	Values   []EnumValueNames

	byProto   map[string]int
	byBackend map[string]int
	byNumber  map[protoreflect.EnumNumber]int
}

// ByBackend maps a GraphQL enum value to its proto value
func (e *EnumNames) ByBackend(name string) (EnumValueNames, bool) {
	i, ok := e.byBackend[name]
	if !ok {
		return EnumValueNames{}, false
	}
	return e.Values[i], true
}

// ByNumber maps a proto enum number to its GraphQL value
func (e *EnumNames) ByNumber(n protoreflect.EnumNumber) (EnumValueNames, bool) {
	i, ok := e.byNumber[n]
	if !ok {
		return EnumValueNames{}, false
	}
	return e.Values[i], true
}

// NameTable is the precomputed bidirectional name mapping for every message
// and enum reachable from one contract's request and response.
type NameTable struct {
	messages map[protoreflect.FullName]*MessageNames
	enums    map[protoreflect.FullName]*EnumNames
}

// Message returns the mapping for a message, or nil if unreachable
func (t *NameTable) Message(name protoreflect.FullName) *MessageNames {
	return t.messages[name]
}

// Enum returns the mapping for an enum, or nil if unreachable
func (t *NameTable) Enum(name protoreflect.FullName) *EnumNames {
	return t.enums[name]
}

// Len returns the number of messages in the table
func (t *NameTable) Len() int {
	return len(t.messages)
}

// buildNameTable walks the request and response descriptors. backendEnums
// maps enum full name -> proto value name -> GraphQL value name.
func buildNameTable(roots []protoreflect.MessageDescriptor, backendEnums map[protoreflect.FullName]map[string]string,
	required map[protoreflect.FullName]map[string]bool) (*NameTable, error) {

	t := &NameTable{
		messages: make(map[protoreflect.FullName]*MessageNames),
		enums:    make(map[protoreflect.FullName]*EnumNames),
	}
	for _, md := range roots {
		if err := t.addMessage(md, backendEnums, required); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *NameTable) addMessage(md protoreflect.MessageDescriptor, backendEnums map[protoreflect.FullName]map[string]string,
	required map[protoreflect.FullName]map[string]bool) error {

	if _, seen := t.messages[md.FullName()]; seen {
		return nil
	}
	fields := md.Fields()
	mn := &MessageNames{
		FullName:   md.FullName(),
		Fields:     make([]FieldNames, 0, fields.Len()),
		byExternal: make(map[string]int, fields.Len()),
		byProto:    make(map[string]int, fields.Len()),
		byBackend:  make(map[string]int, fields.Len()),
	}
	t.messages[md.FullName()] = mn

	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		names := FieldNames{
			External: fd.JSONName(),
			Proto:    string(fd.Name()),
			Backend:  fd.JSONName(),
			Number:   fd.Number(),
			Required: required[md.FullName()][fd.JSONName()],
		}
		for _, idx := range []struct {
			m    map[string]int
			key  string
			kind string
		}{
			{mn.byExternal, names.External, "external"},
			{mn.byProto, names.Proto, "proto"},
			{mn.byBackend, names.Backend, "backend"},
		} {
			if j, dup := idx.m[idx.key]; dup {
				return fmt.Errorf("%s: %s name %q shared by fields %q and %q",
					md.FullName(), idx.kind, idx.key, mn.Fields[j].External, names.External)
			}
			idx.m[idx.key] = len(mn.Fields)
		}
		mn.Fields = append(mn.Fields, names)

		switch fd.Kind() {
		case protoreflect.MessageKind, protoreflect.GroupKind:
			if err := t.addMessage(fd.Message(), backendEnums, required); err != nil {
				return err
			}
		case protoreflect.EnumKind:
			if err := t.addEnum(fd.Enum(), backendEnums[fd.Enum().FullName()]); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *NameTable) addEnum(ed protoreflect.EnumDescriptor, backend map[string]string) error {
	if _, seen := t.enums[ed.FullName()]; seen {
		return nil
	}
	values := ed.Values()
	en := &EnumNames{
		FullName:  ed.FullName(),
		byProto:   make(map[string]int, values.Len()),
		byBackend: make(map[string]int, values.Len()),
		byNumber:  make(map[protoreflect.EnumNumber]int, values.Len()),
	}
	for i := 0; i < values.Len(); i++ {
		vd := values.Get(i)
		if vd.Number() == 0 {
			continue
		}
		protoName := string(vd.Name())
		backendName, ok := backend[protoName]
		if !ok {
			return fmt.Errorf("%s: enum value %s has no backend name", ed.FullName(), protoName)
		}
		if _, dup := en.byBackend[backendName]; dup {
			return fmt.Errorf("%s: backend value %q mapped twice", ed.FullName(), backendName)
		}
		en.byProto[protoName] = len(en.Values)
		en.byBackend[backendName] = len(en.Values)
		en.byNumber[vd.Number()] = len(en.Values)
		en.Values = append(en.Values, EnumValueNames{Proto: protoName, Backend: backendName, Number: vd.Number()})
	}
	t.enums[ed.FullName()] = en
	return nil
}
