// Package schema loads the venue's protobuf schema at runtime and exposes
// payload-type and message lookups plus dynamic encode/decode for the
// length-prefixed ProtoMessage wire format.
package schema

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bufbuild/protocompile"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The venue publishes its schema as this fixed set of files.
var schemaFiles = []string{
	"OpenApiCommonMessages.proto",
	"OpenApiCommonModelMessages.proto",
	"OpenApiMessages.proto",
	"OpenApiModelMessages.proto",
}

const maxSuggestions = 10

// Registry resolves payload-type ids, message descriptors, and the wrapper
// message from a schema directory compiled at startup.
type Registry struct {
	msgs       map[string]protoreflect.MessageDescriptor
	oaEnum     protoreflect.EnumDescriptor
	commonEnum protoreflect.EnumDescriptor
	idToName   map[uint32]string

	wrapper      protoreflect.MessageDescriptor
	fPayloadType protoreflect.FieldDescriptor
	fPayload     protoreflect.FieldDescriptor
	fClientMsgID protoreflect.FieldDescriptor
}

// Load compiles the four schema files found in dir and indexes them. Field
// names are the proto-source names throughout; nothing is renamed to JSON
// conventions.
func Load(ctx context.Context, dir string) (*Registry, error) {
	compiler := protocompile.Compiler{
		Resolver: protocompile.WithStandardImports(&protocompile.SourceResolver{
			ImportPaths: []string{dir},
		}),
	}
	files, err := compiler.Compile(ctx, schemaFiles...)
	if err != nil {
		return nil, fmt.Errorf("compile venue schema from %s: %w", dir, err)
	}

	r := &Registry{
		msgs:     make(map[string]protoreflect.MessageDescriptor),
		idToName: make(map[uint32]string),
	}
	for _, f := range files {
		r.indexFile(f)
	}

	if r.wrapper == nil {
		return nil, errors.New("venue schema has no ProtoMessage wrapper")
	}
	if r.oaEnum == nil {
		return nil, errors.New("venue schema has no ProtoOAPayloadType enum")
	}
	fields := r.wrapper.Fields()
	r.fPayloadType = fields.ByName("payloadType")
	r.fPayload = fields.ByName("payload")
	r.fClientMsgID = fields.ByName("clientMsgId")
	if r.fPayloadType == nil || r.fPayload == nil {
		return nil, errors.New("wrapper message is missing payloadType or payload")
	}

	for _, ed := range []protoreflect.EnumDescriptor{r.oaEnum, r.commonEnum} {
		if ed == nil {
			continue
		}
		vals := ed.Values()
		for i := 0; i < vals.Len(); i++ {
			v := vals.Get(i)
			id := uint32(v.Number())
			if _, ok := r.idToName[id]; !ok {
				r.idToName[id] = string(v.Name())
			}
		}
	}
	return r, nil
}

func (r *Registry) indexFile(fd protoreflect.FileDescriptor) {
	msgs := fd.Messages()
	for i := 0; i < msgs.Len(); i++ {
		md := msgs.Get(i)
		name := string(md.Name())
		r.msgs[name] = md
		if strings.HasSuffix(name, "ProtoMessage") {
			r.wrapper = md
		}
	}
	enums := fd.Enums()
	for i := 0; i < enums.Len(); i++ {
		ed := enums.Get(i)
		name := string(ed.Name())
		switch {
		case strings.HasSuffix(name, "ProtoOAPayloadType"):
			r.oaEnum = ed
		case strings.HasSuffix(name, "ProtoPayloadType"):
			r.commonEnum = ed
		}
	}
}

// UnknownPayloadError reports a payload-type lookup miss together with
// near-miss enum keys.
type UnknownPayloadError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownPayloadError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("unknown payload type %q", e.Name)
	}
	return fmt.Sprintf("unknown payload type %q (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

// PayloadTypeID maps a payload enum key to its numeric id, consulting the
// alias table on a miss.
func (r *Registry) PayloadTypeID(name string) (uint32, error) {
	if v, ok := r.enumValueByName(name); ok {
		return v, nil
	}
	if alias, ok := payloadKeyAliases[name]; ok {
		if v, ok := r.enumValueByName(alias); ok {
			return v, nil
		}
	}
	return 0, &UnknownPayloadError{Name: name, Suggestions: r.suggest(name)}
}

// PayloadTypeName maps a numeric payload id back to its enum key, or ""
// when the id is not part of the schema.
func (r *Registry) PayloadTypeName(id uint32) string {
	return r.idToName[id]
}

func (r *Registry) enumValueByName(name string) (uint32, bool) {
	for _, ed := range []protoreflect.EnumDescriptor{r.oaEnum, r.commonEnum} {
		if ed == nil {
			continue
		}
		if v := ed.Values().ByName(protoreflect.Name(name)); v != nil {
			return uint32(v.Number()), true
		}
	}
	return 0, false
}

func (r *Registry) suggest(name string) []string {
	needle := strings.ToUpper(name)
	out := r.keysContaining(needle)
	if len(out) == 0 {
		core := strings.TrimSuffix(strings.TrimSuffix(needle, "_REQ"), "_RES")
		core = strings.TrimPrefix(core, "PROTO_OA_")
		core = strings.TrimPrefix(core, "PROTO_")
		if core != "" && core != needle {
			out = r.keysContaining(core)
		}
	}
	if len(out) > maxSuggestions {
		out = out[:maxSuggestions]
	}
	return out
}

func (r *Registry) keysContaining(frag string) []string {
	var out []string
	for _, ed := range []protoreflect.EnumDescriptor{r.oaEnum, r.commonEnum} {
		if ed == nil {
			continue
		}
		vals := ed.Values()
		for i := 0; i < vals.Len(); i++ {
			key := string(vals.Get(i).Name())
			if strings.Contains(key, frag) {
				out = append(out, key)
			}
		}
	}
	sort.Strings(out)
	return out
}

// MessageTypeFromPayloadName converts a payload enum key to the schema's
// message naming: PROTO_OA_FOO_BAR_REQ becomes ProtoOAFooBarReq, with the
// OA token preserved as-is.
func MessageTypeFromPayloadName(enumKey string) string {
	parts := strings.Split(enumKey, "_")
	var b strings.Builder
	for _, p := range parts {
		switch {
		case p == "":
		case p == "OA":
			b.WriteString("OA")
		default:
			b.WriteString(strings.ToUpper(p[:1]))
			b.WriteString(strings.ToLower(p[1:]))
		}
	}
	return b.String()
}

// MessageTypeFor resolves a payload enum key to the canonical message type
// name recorded in the schema, applying the alias table.
func (r *Registry) MessageTypeFor(payloadKey string) (string, error) {
	md, err := r.messageDescriptor(MessageTypeFromPayloadName(payloadKey))
	if err != nil {
		return "", err
	}
	return string(md.Name()), nil
}

// HasField reports whether the named message has the named field.
func (r *Registry) HasField(typeName, field string) bool {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return false
	}
	return md.Fields().ByName(protoreflect.Name(field)) != nil
}

func (r *Registry) messageDescriptor(typeName string) (protoreflect.MessageDescriptor, error) {
	if md, ok := r.msgs[typeName]; ok {
		return md, nil
	}
	if alias, ok := messageTypeAliases[typeName]; ok {
		if md, ok := r.msgs[alias]; ok {
			return md, nil
		}
	}
	return nil, fmt.Errorf("unknown message type %q", typeName)
}

// EncodeMessage builds and marshals a schema message from a field map.
// String enum values are coerced to their numeric values, including inside
// repeated fields.
func (r *Registry) EncodeMessage(typeName string, obj map[string]any) ([]byte, error) {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	msg, err := buildMessage(md, obj)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", typeName, err)
	}
	return proto.Marshal(msg)
}

// DecodeMessage unmarshals payload bytes into a field map keyed by the
// proto-source field names. Only fields present on the wire appear.
func (r *Registry) DecodeMessage(typeName string, data []byte) (map[string]any, error) {
	md, err := r.messageDescriptor(typeName)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(md)
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return messageToMap(msg), nil
}

// EncodeProtoMessage marshals the outer wrapper around an encoded payload.
func (r *Registry) EncodeProtoMessage(payloadType uint32, payload []byte, clientMsgID string) ([]byte, error) {
	msg := dynamicpb.NewMessage(r.wrapper)
	msg.Set(r.fPayloadType, protoreflect.ValueOfUint32(payloadType))
	msg.Set(r.fPayload, protoreflect.ValueOfBytes(payload))
	if clientMsgID != "" && r.fClientMsgID != nil {
		msg.Set(r.fClientMsgID, protoreflect.ValueOfString(clientMsgID))
	}
	return proto.Marshal(msg)
}

// DecodeProtoMessage unmarshals the outer wrapper.
func (r *Registry) DecodeProtoMessage(data []byte) (payloadType uint32, payload []byte, clientMsgID string, err error) {
	msg := dynamicpb.NewMessage(r.wrapper)
	if err := proto.Unmarshal(data, msg); err != nil {
		return 0, nil, "", fmt.Errorf("decode wrapper: %w", err)
	}
	payloadType = uint32(msg.Get(r.fPayloadType).Uint())
	if msg.Has(r.fPayload) {
		payload = msg.Get(r.fPayload).Bytes()
	}
	if r.fClientMsgID != nil && msg.Has(r.fClientMsgID) {
		clientMsgID = msg.Get(r.fClientMsgID).String()
	}
	return payloadType, payload, clientMsgID, nil
}
