package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/c360/connectgate/errors"
)

var deterministic = proto.MarshalOptions{Deterministic: true}

// assemble turns the compiled file into a Service with its contracts
func (b *fileBuilder) assemble(file protoreflect.FileDescriptor, ops []Operation) (*Service, error) {
	sd := file.Services().Get(0)
	svc := &Service{
		FullName:    sd.FullName(),
		Package:     b.def.Package,
		Version:     b.def.Version,
		Name:        b.def.Name,
		Description: b.def.Description,
		Source:      b.def.Source,
		File:        file,
		Descriptor:  sd,
		byMethod:    make(map[string]*Contract, len(ops)),
	}

	fileBytes, err := deterministic.Marshal(protodesc.ToFileDescriptorProto(file))
	if err != nil {
		return nil, errors.Discovery(fmt.Errorf("marshal descriptor: %w", err), b.def.Source)
	}
	h := sha256.New()
	h.Write(fileBytes)
	fmt.Fprintf(h, "|%s|%s", svc.FullName, svc.Description)

	for _, op := range ops {
		c, err := b.contract(sd, op)
		if err != nil {
			return nil, errors.Discovery(err, op.Source)
		}
		svc.contracts = append(svc.contracts, c)
		svc.byMethod[c.Method] = c
		fmt.Fprintf(h, "|%s", c.fingerprint)
	}

	svc.fingerprint = hex.EncodeToString(h.Sum(nil))
	return svc, nil
}

func (b *fileBuilder) contract(sd protoreflect.ServiceDescriptor, op Operation) (*Contract, error) {
	md := sd.Methods().ByName(protoreflect.Name(op.Name()))
	if md == nil {
		return nil, fmt.Errorf("method %s missing from compiled descriptor", op.Name())
	}
	opts := b.def.Methods[op.Name()]

	c := &Contract{
		ServiceName:   sd.FullName(),
		Method:        op.Name(),
		Kind:          ReadOnly,
		Input:         md.Input(),
		Output:        md.Output(),
		Descriptor:    md,
		Operation:     op.Text,
		OperationName: op.Name(),
		Timeout:       opts.Timeout,
		Cacheable:     opts.Cache,
		Constraints:   make(map[string]*FieldConstraint, len(opts.Fields)),
		Source:        op.Source,
	}
	if op.Definition.Operation == ast.Mutation {
		c.Kind = Mutating
	}

	fields := md.Input().Fields()
	for i, v := range op.Definition.VariableDefinitions {
		variable := Variable{
			Name:     v.Variable,
			Type:     v.Type.String(),
			Required: v.Type.NonNull && v.DefaultValue == nil,
			Field:    fields.Get(i),
		}
		if v.DefaultValue != nil {
			val, err := v.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("default of $%s: %w", v.Variable, err)
			}
			variable.HasDefault = true
			variable.Default = val
		}
		c.Variables = append(c.Variables, variable)
	}

	for path, fc := range opts.Fields {
		fd, err := resolveFieldPath(md.Input(), path)
		if err != nil {
			return nil, err
		}
		if err := checkConstraint(path, fd, fc); err != nil {
			return nil, err
		}
		own := *fc
		if err := own.compile(); err != nil {
			return nil, fmt.Errorf("field %s: %w", path, err)
		}
		c.Constraints[path] = &own
	}

	names, err := buildNameTable([]protoreflect.MessageDescriptor{md.Input(), md.Output()}, b.backendEnums, b.required)
	if err != nil {
		return nil, err
	}
	c.Names = names

	fp, err := contractFingerprint(c)
	if err != nil {
		return nil, err
	}
	c.fingerprint = fp
	return c, nil
}

// resolveFieldPath follows a dotted path of external names through input
// messages.
func resolveFieldPath(md protoreflect.MessageDescriptor, path string) (protoreflect.FieldDescriptor, error) {
	var fd protoreflect.FieldDescriptor
	cur := md
	for _, part := range strings.Split(path, ".") {
		if cur == nil {
			return nil, fmt.Errorf("constraint path %s: %s is not an input object", path, fd.JSONName())
		}
		fd = cur.Fields().ByJSONName(part)
		if fd == nil {
			return nil, fmt.Errorf("constraint on unknown field %s", path)
		}
		cur = nil
		if fd.Kind() == protoreflect.MessageKind {
			cur = fd.Message()
		}
	}
	return fd, nil
}

func checkConstraint(path string, fd protoreflect.FieldDescriptor, fc *FieldConstraint) error {
	numeric := fd.Kind() == protoreflect.Int32Kind || fd.Kind() == protoreflect.DoubleKind
	str := fd.Kind() == protoreflect.StringKind

	if (fc.Min != nil || fc.Max != nil) && !numeric {
		return fmt.Errorf("field %s: min/max require a numeric field, got %s", path, fd.Kind())
	}
	if (fc.MaxLength != nil || fc.Pattern != "") && !str {
		return fmt.Errorf("field %s: max_length/pattern require a string field, got %s", path, fd.Kind())
	}
	if fc.Min != nil && fc.Max != nil && *fc.Min > *fc.Max {
		return fmt.Errorf("field %s: min %v exceeds max %v", path, *fc.Min, *fc.Max)
	}
	if fc.MaxLength != nil && *fc.MaxLength < 0 {
		return fmt.Errorf("field %s: negative max_length", path)
	}
	return nil
}

// contractFingerprint digests the contract attributes and every message
// and enum reachable from its request and response.
func contractFingerprint(c *Contract) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d|%t|", c.Procedure(), c.Kind, c.OperationName, c.Operation, c.Timeout, c.Cacheable)

	paths := make([]string, 0, len(c.Constraints))
	for p := range c.Constraints {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		data, err := json.Marshal(c.Constraints[p])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(h, "%s=%s|", p, data)
	}

	msgs := make(map[protoreflect.FullName]protoreflect.MessageDescriptor)
	enums := make(map[protoreflect.FullName]protoreflect.EnumDescriptor)
	collectReachable(c.Input, msgs, enums)
	collectReachable(c.Output, msgs, enums)

	if err := hashSorted(h, msgs, func(md protoreflect.MessageDescriptor) proto.Message {
		return protodesc.ToDescriptorProto(md)
	}); err != nil {
		return "", err
	}
	if err := hashSorted(h, enums, func(ed protoreflect.EnumDescriptor) proto.Message {
		return protodesc.ToEnumDescriptorProto(ed)
	}); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func collectReachable(md protoreflect.MessageDescriptor,
	msgs map[protoreflect.FullName]protoreflect.MessageDescriptor,
	enums map[protoreflect.FullName]protoreflect.EnumDescriptor) {

	if _, seen := msgs[md.FullName()]; seen {
		return
	}
	msgs[md.FullName()] = md
	fields := md.Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		switch fd.Kind() {
		case protoreflect.MessageKind:
			collectReachable(fd.Message(), msgs, enums)
		case protoreflect.EnumKind:
			enums[fd.Enum().FullName()] = fd.Enum()
		}
	}
}

func hashSorted[D protoreflect.Descriptor](h hash.Hash, m map[protoreflect.FullName]D, toProto func(D) proto.Message) error {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, string(n))
	}
	sort.Strings(names)
	for _, n := range names {
		data, err := deterministic.Marshal(toProto(m[protoreflect.FullName(n)]))
		if err != nil {
			return err
		}
		h.Write([]byte(n))
		h.Write(data)
	}
	return nil
}
