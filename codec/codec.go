// Package codec provides the strict JSON codec the gateway registers with
// connect in place of the default one.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Connect's names for the JSON codec
const (
	NameJSON        = "json"
	NameJSONCharset = "json; charset=utf-8"
)

// JSON encodes messages with protojson. Decoding rejects unknown fields and
// mistyped values, and only accepts a field under its JSON name: the proto
// field name protojson would also take is an unknown field here. Encoding
// emits compact output with every non-optional field present, so equal
// messages always encode to equal bytes.
type JSON struct {
	name      string
	marshal   protojson.MarshalOptions
	unmarshal protojson.UnmarshalOptions
}

// NewJSON returns a codec registered under name
func NewJSON(name string) *JSON {
	return &JSON{
		name: name,
		marshal: protojson.MarshalOptions{
			EmitDefaultValues: true,
		},
		unmarshal: protojson.UnmarshalOptions{
			DiscardUnknown: false,
		},
	}
}

// JSONCodecs returns the codec under both names connect negotiates
func JSONCodecs() []*JSON {
	return []*JSON{NewJSON(NameJSON), NewJSON(NameJSONCharset)}
}

// Name implements connect.Codec
func (c *JSON) Name() string {
	return c.name
}

// Marshal implements connect.Codec
func (c *JSON) Marshal(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a proto.Message", v)
	}
	out, err := c.marshal.Marshal(msg)
	if err != nil {
		return nil, err
	}
	// protojson varies its whitespace between builds
	var buf bytes.Buffer
	if err := json.Compact(&buf, out); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MarshalStable implements connect's stable codec; Marshal is already
// deterministic.
func (c *JSON) MarshalStable(v any) ([]byte, error) {
	return c.Marshal(v)
}

// IsBinary implements connect's stable codec
func (c *JSON) IsBinary() bool {
	return false
}

// Unmarshal implements connect.Codec
func (c *JSON) Unmarshal(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%T is not a proto.Message", v)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		// an empty body is an empty message
		proto.Reset(msg)
		return nil
	}
	if err := c.unmarshal.Unmarshal(data, msg); err != nil {
		return err
	}
	if err := checkJSONNames(msg.ProtoReflect().Descriptor(), data, ""); err != nil {
		proto.Reset(msg)
		return err
	}
	return nil
}

// checkJSONNames walks an already accepted document and rejects keys that
// matched a field through its proto name rather than its JSON name.
func checkJSONNames(md protoreflect.MessageDescriptor, data []byte, prefix string) error {
	if md.ParentFile().Package() == "google.protobuf" {
		// well-known types have their own JSON forms
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil
	}

	fields := md.Fields()
	for _, key := range slices.Sorted(maps.Keys(obj)) {
		fd := fields.ByJSONName(key)
		if fd == nil {
			return fmt.Errorf("unknown field %q", prefix+key)
		}
		if fd.Message() == nil {
			continue
		}
		value := obj[key]
		switch {
		case fd.IsMap():
			if fd.MapValue().Message() == nil {
				continue
			}
			var entries map[string]json.RawMessage
			_ = json.Unmarshal(value, &entries)
			for _, k := range slices.Sorted(maps.Keys(entries)) {
				path := fmt.Sprintf("%s%s[%s].", prefix, key, k)
				if err := checkJSONNames(fd.MapValue().Message(), entries[k], path); err != nil {
					return err
				}
			}
		case fd.IsList():
			var items []json.RawMessage
			_ = json.Unmarshal(value, &items)
			for i, item := range items {
				path := fmt.Sprintf("%s%s[%d].", prefix, key, i)
				if err := checkJSONNames(fd.Message(), item, path); err != nil {
					return err
				}
			}
		default:
			if err := checkJSONNames(fd.Message(), value, prefix+key+"."); err != nil {
				return err
			}
		}
	}
	return nil
}
