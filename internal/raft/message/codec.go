package message

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"ramen/internal/raft"
)

var (
	// ErrMalformed is returned by Decode for anything that is not a well formed envelope
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownCodec is returned by NewCodec for an unsupported codec name
	ErrUnknownCodec = errors.New("unknown codec")
)

// Wire field keys
const (
	keyType             = "type"
	keyTerm             = "term"
	keyLastLogTerm      = "lastLogTerm"
	keyLastLogIndex     = "lastLogIndex"
	keyGranted          = "granted"
	keyPreviousLogIndex = "previousLogIndex"
	keyPreviousLogTerm  = "previousLogTerm"
	keyEntries          = "entries"
	keyCommitIndex      = "commitIndex"
	keySuccess          = "success"
	keyMatchIndex       = "matchIndex"
	keyID               = "id"
	keyPayload          = "payload"
	keyAckRequested     = "ackRequested"
	keyOK               = "ok"
)

// Codec turns envelopes into bytes and back. Decode must validate the variant tag before it trusts any other field.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// NewCodec returns the codec registered under name: "json" or "proto"
func NewCodec(name string) (Codec, error) {
	switch name {
	case "json":
		return JSONCodec{}, nil
	case "proto":
		return ProtoCodec{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// JSONCodec encodes envelopes as flat JSON objects keyed by the wire field names. Payloads are base64 strings and a
// heartbeat carries the HeartbeatMarker string instead of an entries list.
type JSONCodec struct{}

func (JSONCodec) Encode(m Message) ([]byte, error) {
	st, err := toStruct(m)
	if err != nil {
		return nil, err
	}
	return protojson.Marshal(st)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	st := &structpb.Struct{}
	if err := protojson.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fromStruct(st)
}

// ProtoCodec encodes the same field set as JSONCodec in the protobuf binary form of google.protobuf.Struct, which is
// noticeably smaller on constrained links.
type ProtoCodec struct{}

func (ProtoCodec) Encode(m Message) ([]byte, error) {
	st, err := toStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.MarshalOptions{Deterministic: true}.Marshal(st)
}

func (ProtoCodec) Decode(data []byte) (Message, error) {
	st := &structpb.Struct{}
	if err := proto.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fromStruct(st)
}

func number(v uint32) *structpb.Value {
	return structpb.NewNumberValue(float64(v))
}

func blob(b []byte) *structpb.Value {
	return structpb.NewStringValue(base64.StdEncoding.EncodeToString(b))
}

func toStruct(m Message) (*structpb.Struct, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformed)
	}

	fields := make(map[string]*structpb.Value, 6)

	switch msg := m.(type) {
	case *RequestVote:
		fields[keyLastLogTerm] = number(msg.LastLogTerm)
		fields[keyLastLogIndex] = number(msg.LastLogIndex)
	case *SendVote:
		fields[keyGranted] = structpb.NewBoolValue(msg.Granted)
	case *RequestAppendEntry:
		fields[keyPreviousLogIndex] = number(msg.PreviousLogIndex)
		fields[keyPreviousLogTerm] = number(msg.PreviousLogTerm)
		fields[keyCommitIndex] = number(msg.CommitIndex)
		if msg.IsHeartbeat() {
			fields[keyEntries] = structpb.NewStringValue(HeartbeatMarker)
			break
		}
		values := make([]*structpb.Value, 0, len(msg.Entries))
		for _, e := range msg.Entries {
			values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
				keyTerm:    number(e.Term),
				keyPayload: blob(e.Payload),
			}}))
		}
		fields[keyEntries] = structpb.NewListValue(&structpb.ListValue{Values: values})
	case *RespondAppendEntry:
		fields[keySuccess] = structpb.NewBoolValue(msg.Success)
		fields[keyMatchIndex] = number(msg.MatchIndex)
	case *DistributeEntry:
		fields[keyID] = structpb.NewStringValue(msg.ID)
		fields[keyPayload] = blob(msg.Payload)
		fields[keyAckRequested] = structpb.NewBoolValue(msg.AckRequested)
	case *DistributeEntryAck:
		fields[keyID] = structpb.NewStringValue(msg.ID)
		fields[keyOK] = structpb.NewBoolValue(msg.OK)
	default:
		return nil, fmt.Errorf("%w: unsupported message %T", ErrMalformed, m)
	}

	fields[keyType] = structpb.NewNumberValue(float64(m.Kind()))
	fields[keyTerm] = number(m.GetTerm())
	return &structpb.Struct{Fields: fields}, nil
}

func fromStruct(st *structpb.Struct) (Message, error) {
	r := &fieldReader{fields: st.GetFields()}

	tag := r.number(keyType)
	if r.err != nil {
		return nil, r.err
	}
	if tag > uint32(KindDistributeEntryAck) {
		return nil, fmt.Errorf("%w: unknown type %d", ErrMalformed, tag)
	}

	term := r.number(keyTerm)

	var m Message
	switch Kind(tag) {
	case KindRequestVote:
		m = &RequestVote{
			Term:         term,
			LastLogTerm:  r.number(keyLastLogTerm),
			LastLogIndex: r.number(keyLastLogIndex),
		}
	case KindSendVote:
		m = &SendVote{
			Term:    term,
			Granted: r.flag(keyGranted),
		}
	case KindRequestAppendEntry:
		m = &RequestAppendEntry{
			Term:             term,
			PreviousLogIndex: r.number(keyPreviousLogIndex),
			PreviousLogTerm:  r.number(keyPreviousLogTerm),
			Entries:          r.entries(keyEntries),
			CommitIndex:      r.number(keyCommitIndex),
		}
	case KindRespondAppendEntry:
		m = &RespondAppendEntry{
			Term:       term,
			Success:    r.flag(keySuccess),
			MatchIndex: r.number(keyMatchIndex),
		}
	case KindDistributeEntry:
		m = &DistributeEntry{
			Term:         term,
			ID:           r.text(keyID),
			Payload:      r.blob(keyPayload),
			AckRequested: r.flag(keyAckRequested),
		}
	case KindDistributeEntryAck:
		m = &DistributeEntryAck{
			Term: term,
			ID:   r.text(keyID),
			OK:   r.flag(keyOK),
		}
	}

	if r.err != nil {
		return nil, r.err
	}
	return m, nil
}

// fieldReader pulls typed fields out of a decoded Struct. The first failure sticks, so a whole variant can be read
// before checking err once.
type fieldReader struct {
	fields map[string]*structpb.Value
	err    error
}

func (r *fieldReader) get(key string) *structpb.Value {
	if r.err != nil {
		return nil
	}
	v, ok := r.fields[key]
	if !ok || v == nil {
		r.err = fmt.Errorf("%w: missing field %q", ErrMalformed, key)
		return nil
	}
	return v
}

func (r *fieldReader) fail(key, want string) {
	r.err = fmt.Errorf("%w: field %q is not %s", ErrMalformed, key, want)
}

func (r *fieldReader) number(key string) uint32 {
	v := r.get(key)
	if v == nil {
		return 0
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		r.fail(key, "a number")
		return 0
	}
	f := n.NumberValue
	if f < 0 || f > math.MaxUint32 || f != math.Trunc(f) {
		r.fail(key, "an unsigned 32-bit integer")
		return 0
	}
	return uint32(f)
}

func (r *fieldReader) flag(key string) bool {
	v := r.get(key)
	if v == nil {
		return false
	}
	b, ok := v.GetKind().(*structpb.Value_BoolValue)
	if !ok {
		r.fail(key, "a bool")
		return false
	}
	return b.BoolValue
}

func (r *fieldReader) text(key string) string {
	v := r.get(key)
	if v == nil {
		return ""
	}
	s, ok := v.GetKind().(*structpb.Value_StringValue)
	if !ok {
		r.fail(key, "a string")
		return ""
	}
	return s.StringValue
}

func (r *fieldReader) blob(key string) []byte {
	s := r.text(key)
	if r.err != nil {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		r.fail(key, "base64")
		return nil
	}
	if len(b) == 0 {
		return nil
	}
	return b
}

func (r *fieldReader) entries(key string) []raft.LogEntry {
	v := r.get(key)
	if v == nil {
		return nil
	}

	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		if kind.StringValue != HeartbeatMarker {
			r.fail(key, "the heartbeat marker")
		}
		return nil
	case *structpb.Value_ListValue:
		values := kind.ListValue.GetValues()
		if len(values) == 0 {
			r.fail(key, "a non-empty list")
			return nil
		}
		entries := make([]raft.LogEntry, 0, len(values))
		for _, item := range values {
			st, ok := item.GetKind().(*structpb.Value_StructValue)
			if !ok {
				r.fail(key, "a list of entries")
				return nil
			}
			inner := &fieldReader{fields: st.StructValue.GetFields()}
			e := raft.LogEntry{
				Term:    inner.number(keyTerm),
				Payload: inner.blob(keyPayload),
			}
			if inner.err != nil {
				r.err = inner.err
				return nil
			}
			entries = append(entries, e)
		}
		return entries
	default:
		r.fail(key, "an entries list")
		return nil
	}
}
