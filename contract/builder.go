package contract

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2/ast"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	"github.com/c360/connectgate/errors"
)

// ServiceDef is a decoded contract-definition file
type ServiceDef struct {
	Package     string
	Version     string
	Name        string
	Description string
	Source      string // location reported in errors
	Methods     map[string]MethodOptions
}

// FullName returns <package>.<version>.<service>
func (d ServiceDef) FullName() protoreflect.FullName {
	return protoreflect.FullName(d.Package + "." + d.Version + "." + d.Name)
}

// MethodOptions are per-method overrides from the contract-definition file
type MethodOptions struct {
	Timeout time.Duration
	Cache   bool
	Fields  map[string]*FieldConstraint
}

// Operation is one validated named operation
type Operation struct {
	Source     string // file the operation came from
	Text       string
	Definition *ast.OperationDefinition
}

// Name returns the operation name, which becomes the method name
func (o Operation) Name() string {
	return o.Definition.Name
}

// BuildService compiles a service's operations into a proto3 file
// descriptor and one Contract per operation. Every failure is a
// DiscoveryError located at the offending file.
func BuildService(schema *ast.Schema, def ServiceDef, ops []Operation) (*Service, error) {
	if len(ops) == 0 {
		return nil, errors.Discovery(fmt.Errorf("service %s declares no operations", def.FullName()), def.Source)
	}

	sorted := make([]Operation, len(ops))
	copy(sorted, ops)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Name() < sorted[j].Name() })

	seen := make(map[string]string, len(sorted))
	for _, op := range sorted {
		if prev, dup := seen[op.Name()]; dup {
			return nil, errors.Discovery(
				fmt.Errorf("method %s already defined in %s", op.Name(), prev), op.Source)
		}
		seen[op.Name()] = op.Source
	}
	for method, opts := range def.Methods {
		src, ok := seen[method]
		if !ok {
			return nil, errors.Discovery(fmt.Errorf("override for unknown method %s", method), def.Source)
		}
		if opts.Cache && findOp(sorted, method).Definition.Operation != ast.Query {
			return nil, errors.Discovery(fmt.Errorf("method %s: cache is only allowed on queries", method), src)
		}
	}

	fb := newFileBuilder(schema, def)
	for _, op := range sorted {
		if err := fb.addMethod(op); err != nil {
			return nil, errors.Discovery(err, op.Source)
		}
	}

	file, err := protodesc.NewFile(fb.file, new(protoregistry.Files))
	if err != nil {
		return nil, errors.Discovery(fmt.Errorf("descriptor for %s: %w", def.FullName(), err), def.Source)
	}

	return fb.assemble(file, sorted)
}

func findOp(ops []Operation, name string) Operation {
	for _, op := range ops {
		if op.Name() == name {
			return op
		}
	}
	return Operation{}
}

type fileBuilder struct {
	schema *ast.Schema
	def    ServiceDef
	pkg    string
	file   *descriptorpb.FileDescriptorProto
	svc    *descriptorpb.ServiceDescriptorProto

	topLevel     map[string]string // proto name -> what declared it
	enums        map[string]bool
	inputs       map[string]bool
	backendEnums map[protoreflect.FullName]map[string]string
	required     map[protoreflect.FullName]map[string]bool // input message -> external field name
}

func newFileBuilder(schema *ast.Schema, def ServiceDef) *fileBuilder {
	pkg := def.Package + "." + def.Version
	svc := &descriptorpb.ServiceDescriptorProto{Name: proto.String(def.Name)}
	return &fileBuilder{
		schema: schema,
		def:    def,
		pkg:    pkg,
		file: &descriptorpb.FileDescriptorProto{
			Name:    proto.String(strings.ReplaceAll(pkg, ".", "/") + "/" + SnakeCase(def.Name) + ".proto"),
			Package: proto.String(pkg),
			Syntax:  proto.String("proto3"),
			Service: []*descriptorpb.ServiceDescriptorProto{svc},
		},
		svc:          svc,
		topLevel:     make(map[string]string),
		enums:        make(map[string]bool),
		inputs:       make(map[string]bool),
		backendEnums: make(map[protoreflect.FullName]map[string]string),
		required:     make(map[protoreflect.FullName]map[string]bool),
	}
}

func (b *fileBuilder) typeName(name string) string {
	return "." + b.pkg + "." + name
}

func (b *fileBuilder) declare(name, what string) error {
	if prev, dup := b.topLevel[name]; dup {
		return fmt.Errorf("name collision: %s is generated for both %s and %s", name, prev, what)
	}
	b.topLevel[name] = what
	return nil
}

func (b *fileBuilder) addMethod(op Operation) error {
	od := op.Definition
	method := od.Name

	reqName, respName := method+"Request", method+"Response"
	if err := b.declare(reqName, "request of "+method); err != nil {
		return err
	}
	if err := b.declare(respName, "response of "+method); err != nil {
		return err
	}

	req := &descriptorpb.DescriptorProto{Name: proto.String(reqName)}
	fields := newFieldSet(reqName)
	required := make(map[string]bool)
	for _, v := range od.VariableDefinitions {
		fd, err := b.inputField(fields, v.Variable, v.Type)
		if err != nil {
			return fmt.Errorf("variable $%s: %w", v.Variable, err)
		}
		addField(req, fd)
		required[v.Variable] = v.Type.NonNull && v.DefaultValue == nil
	}
	b.required[protoreflect.FullName(b.pkg+"."+reqName)] = required

	resp := &descriptorpb.DescriptorProto{Name: proto.String(respName)}
	root := b.schema.Query
	if od.Operation == ast.Mutation {
		root = b.schema.Mutation
	}
	if err := b.selectionMessage(resp, respName, root, od.SelectionSet); err != nil {
		return err
	}

	b.file.MessageType = append(b.file.MessageType, req, resp)

	md := &descriptorpb.MethodDescriptorProto{
		Name:       proto.String(method),
		InputType:  proto.String(b.typeName(reqName)),
		OutputType: proto.String(b.typeName(respName)),
	}
	if od.Operation == ast.Query {
		md.Options = &descriptorpb.MethodOptions{
			IdempotencyLevel: descriptorpb.MethodOptions_NO_SIDE_EFFECTS.Enum(),
		}
	}
	b.svc.Method = append(b.svc.Method, md)
	return nil
}

// fieldSet numbers a message's fields and rejects proto name collisions
type fieldSet struct {
	message string
	names   map[string]string
	next    int32
}

func newFieldSet(message string) *fieldSet {
	return &fieldSet{message: message, names: make(map[string]string), next: 1}
}

func (s *fieldSet) add(external string) (string, int32, error) {
	protoName := SnakeCase(external)
	if prev, dup := s.names[protoName]; dup {
		return "", 0, fmt.Errorf("name collision in %s: %q and %q both map to field %s",
			s.message, prev, external, protoName)
	}
	s.names[protoName] = external
	n := s.next
	s.next++
	return protoName, n, nil
}

func addField(msg *descriptorpb.DescriptorProto, fd *descriptorpb.FieldDescriptorProto) {
	if fd.GetProto3Optional() {
		fd.OneofIndex = proto.Int32(int32(len(msg.OneofDecl)))
		msg.OneofDecl = append(msg.OneofDecl, &descriptorpb.OneofDescriptorProto{
			Name: proto.String("_" + fd.GetName()),
		})
	}
	msg.Field = append(msg.Field, fd)
}

// inputField maps a variable or input-object field. Non-list scalars and
// enums always carry presence.
func (b *fileBuilder) inputField(fields *fieldSet, external string, t *ast.Type) (*descriptorpb.FieldDescriptorProto, error) {
	protoName, number, err := fields.add(external)
	if err != nil {
		return nil, err
	}

	fd := &descriptorpb.FieldDescriptorProto{
		Name:     proto.String(protoName),
		JsonName: proto.String(external),
		Number:   proto.Int32(number),
		Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}

	named, list, err := unwrapList(t)
	if err != nil {
		return nil, err
	}
	if list {
		fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
	}

	def := b.schema.Types[named.NamedType]
	if def == nil {
		return nil, fmt.Errorf("unknown type %s", named.NamedType)
	}
	switch def.Kind {
	case ast.Scalar:
		fd.Type = scalarType(def.Name).Enum()
	case ast.Enum:
		if err := b.addEnum(def); err != nil {
			return nil, err
		}
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_ENUM.Enum()
		fd.TypeName = proto.String(b.typeName(def.Name))
	case ast.InputObject:
		if err := b.addInput(def); err != nil {
			return nil, err
		}
		fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
		fd.TypeName = proto.String(b.typeName(def.Name))
	default:
		return nil, fmt.Errorf("type %s (%s) is not an input type", def.Name, def.Kind)
	}

	if !list && fd.GetType() != descriptorpb.FieldDescriptorProto_TYPE_MESSAGE {
		fd.Proto3Optional = proto.Bool(true)
	}
	return fd, nil
}

func unwrapList(t *ast.Type) (*ast.Type, bool, error) {
	if t.Elem == nil {
		return t, false, nil
	}
	if t.Elem.Elem != nil {
		return nil, false, fmt.Errorf("nested list type %s cannot be represented", t.String())
	}
	return t.Elem, true, nil
}

func scalarType(name string) descriptorpb.FieldDescriptorProto_Type {
	switch name {
	case "Int":
		return descriptorpb.FieldDescriptorProto_TYPE_INT32
	case "Float":
		return descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	case "Boolean":
		return descriptorpb.FieldDescriptorProto_TYPE_BOOL
	default:
		// String, ID and custom scalars
		return descriptorpb.FieldDescriptorProto_TYPE_STRING
	}
}

func (b *fileBuilder) addEnum(def *ast.Definition) error {
	if b.enums[def.Name] {
		return nil
	}
	b.enums[def.Name] = true
	if err := b.declare(def.Name, "enum "+def.Name); err != nil {
		return err
	}

	unspecified := UnspecifiedValueName(def.Name)
	if err := b.declare(unspecified, "zero value of enum "+def.Name); err != nil {
		return err
	}
	ed := &descriptorpb.EnumDescriptorProto{
		Name: proto.String(def.Name),
		Value: []*descriptorpb.EnumValueDescriptorProto{
			{Name: proto.String(unspecified), Number: proto.Int32(0)},
		},
	}
	backend := make(map[string]string, len(def.EnumValues))
	for i, v := range def.EnumValues {
		name := EnumValueName(def.Name, v.Name)
		if err := b.declare(name, fmt.Sprintf("value %s of enum %s", v.Name, def.Name)); err != nil {
			return err
		}
		ed.Value = append(ed.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(name),
			Number: proto.Int32(int32(i + 1)),
		})
		backend[name] = v.Name
	}
	b.backendEnums[protoreflect.FullName(b.pkg+"."+def.Name)] = backend
	b.file.EnumType = append(b.file.EnumType, ed)
	return nil
}

func (b *fileBuilder) addInput(def *ast.Definition) error {
	if b.inputs[def.Name] {
		return nil
	}
	b.inputs[def.Name] = true
	if err := b.declare(def.Name, "input "+def.Name); err != nil {
		return err
	}

	msg := &descriptorpb.DescriptorProto{Name: proto.String(def.Name)}
	// appended before fields so recursive inputs resolve
	b.file.MessageType = append(b.file.MessageType, msg)

	fields := newFieldSet(def.Name)
	required := make(map[string]bool)
	for _, f := range def.Fields {
		fd, err := b.inputField(fields, f.Name, f.Type)
		if err != nil {
			return fmt.Errorf("input %s.%s: %w", def.Name, f.Name, err)
		}
		addField(msg, fd)
		required[f.Name] = f.Type.NonNull && f.DefaultValue == nil
	}
	b.required[protoreflect.FullName(b.pkg+"."+def.Name)] = required
	return nil
}

// collected is one response key with every field selected under it
type collected struct {
	key    string
	fields []*ast.Field
}

// collectFields flattens fragments and groups fields by response key in
// first-seen order.
func collectFields(set ast.SelectionSet) []*collected {
	var out []*collected
	index := make(map[string]*collected)

	var walk func(ast.SelectionSet)
	walk = func(set ast.SelectionSet) {
		for _, sel := range set {
			switch s := sel.(type) {
			case *ast.Field:
				key := s.Alias
				if key == "" {
					key = s.Name
				}
				c, ok := index[key]
				if !ok {
					c = &collected{key: key}
					index[key] = c
					out = append(out, c)
				}
				c.fields = append(c.fields, s)
			case *ast.InlineFragment:
				walk(s.SelectionSet)
			case *ast.FragmentSpread:
				if s.Definition != nil {
					walk(s.Definition.SelectionSet)
				}
			}
		}
	}
	walk(set)
	return out
}

// selectionMessage fills msg from a selection set. scope is msg's dotted
// name relative to the package.
func (b *fileBuilder) selectionMessage(msg *descriptorpb.DescriptorProto, scope string,
	parent *ast.Definition, set ast.SelectionSet) error {

	fields := newFieldSet(scope)
	nested := make(map[string]string)

	for _, c := range collectFields(set) {
		protoName, number, err := fields.add(c.key)
		if err != nil {
			return err
		}
		fd := &descriptorpb.FieldDescriptorProto{
			Name:     proto.String(protoName),
			JsonName: proto.String(c.key),
			Number:   proto.Int32(number),
			Label:    descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		}

		first := c.fields[0]
		if first.Name == "__typename" {
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum()
			addField(msg, fd)
			continue
		}
		if first.Definition == nil {
			return fmt.Errorf("field %s is not defined on %s", first.Name, parentName(parent))
		}

		t := first.Definition.Type
		for _, other := range c.fields[1:] {
			if other.Definition == nil || other.Definition.Type.String() != t.String() {
				return fmt.Errorf("conflicting selections for %s in %s", c.key, scope)
			}
		}

		named, list, err := unwrapList(t)
		if err != nil {
			return fmt.Errorf("field %s: %w", c.key, err)
		}
		if list {
			fd.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
		}

		def := b.schema.Types[named.NamedType]
		if def == nil {
			return fmt.Errorf("field %s: unknown type %s", c.key, named.NamedType)
		}

		switch def.Kind {
		case ast.Scalar:
			fd.Type = scalarType(def.Name).Enum()
			fd.Proto3Optional = proto.Bool(!list && !t.NonNull)
		case ast.Enum:
			if err := b.addEnum(def); err != nil {
				return err
			}
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_ENUM.Enum()
			fd.TypeName = proto.String(b.typeName(def.Name))
			fd.Proto3Optional = proto.Bool(!list && !t.NonNull)
		case ast.Object, ast.Interface, ast.Union:
			nestedName := PascalCase(c.key)
			if prev, dup := nested[nestedName]; dup {
				return fmt.Errorf("name collision in %s: %q and %q both map to message %s",
					scope, prev, c.key, nestedName)
			}
			nested[nestedName] = c.key

			child := &descriptorpb.DescriptorProto{Name: proto.String(nestedName)}
			var merged ast.SelectionSet
			for _, f := range c.fields {
				merged = append(merged, f.SelectionSet...)
			}
			childScope := scope + "." + nestedName
			if err := b.selectionMessage(child, childScope, def, merged); err != nil {
				return err
			}
			msg.NestedType = append(msg.NestedType, child)
			fd.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			fd.TypeName = proto.String(b.typeName(childScope))
		default:
			return fmt.Errorf("field %s: unsupported output type %s", c.key, def.Name)
		}

		if !fd.GetProto3Optional() {
			fd.Proto3Optional = nil
		}
		addField(msg, fd)
	}
	return nil
}

func parentName(def *ast.Definition) string {
	if def == nil {
		return "root"
	}
	return def.Name
}
