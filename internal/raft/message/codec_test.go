package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ramen/internal/raft"
)

func decodeJSONObject(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var obj map[string]any
	require.NoError(t, json.Unmarshal(data, &obj))
	return obj
}

func TestJSONCodec_StableKeys(t *testing.T) {
	codec := JSONCodec{}

	t.Run("request vote", func(t *testing.T) {
		data, err := codec.Encode(&RequestVote{Term: 3, LastLogTerm: 2, LastLogIndex: 7})
		require.NoError(t, err)

		obj := decodeJSONObject(t, data)
		assert.Equal(t, map[string]any{
			"type":         float64(0),
			"term":         float64(3),
			"lastLogTerm":  float64(2),
			"lastLogIndex": float64(7),
		}, obj)
	})

	t.Run("heartbeat carries the marker", func(t *testing.T) {
		data, err := codec.Encode(&RequestAppendEntry{Term: 4, PreviousLogIndex: 1, PreviousLogTerm: 1, CommitIndex: 1})
		require.NoError(t, err)

		obj := decodeJSONObject(t, data)
		assert.Equal(t, float64(2), obj["type"])
		assert.Equal(t, HeartbeatMarker, obj["entries"])
		assert.Equal(t, float64(1), obj["previousLogIndex"])
		assert.Equal(t, float64(1), obj["previousLogTerm"])
		assert.Equal(t, float64(1), obj["commitIndex"])
	})

	t.Run("entries carry term and base64 payload", func(t *testing.T) {
		data, err := codec.Encode(&RequestAppendEntry{
			Term:    4,
			Entries: []raft.LogEntry{{Term: 4, Payload: []byte("x")}},
		})
		require.NoError(t, err)

		obj := decodeJSONObject(t, data)
		entries, ok := obj["entries"].([]any)
		require.True(t, ok)
		require.Len(t, entries, 1)
		assert.Equal(t, map[string]any{"term": float64(4), "payload": "eA=="}, entries[0])
	})

	t.Run("append response", func(t *testing.T) {
		data, err := codec.Encode(&RespondAppendEntry{Term: 9, Success: true, MatchIndex: 5})
		require.NoError(t, err)

		obj := decodeJSONObject(t, data)
		assert.Equal(t, true, obj["success"])
		assert.Equal(t, float64(5), obj["matchIndex"])
	})
}

func TestCodecs_RoundTrip(t *testing.T) {
	messages := []Message{
		&RequestVote{Term: 1, LastLogTerm: 1, LastLogIndex: 4},
		&SendVote{Term: 2, Granted: true},
		&RequestAppendEntry{Term: 3, PreviousLogIndex: 2, PreviousLogTerm: 1, CommitIndex: 2},
		&RequestAppendEntry{Term: 3, PreviousLogIndex: 2, PreviousLogTerm: 1, CommitIndex: 2,
			Entries: []raft.LogEntry{{Term: 3, Payload: []byte("SET a=1")}}},
		&RespondAppendEntry{Term: 3, Success: false, MatchIndex: 0},
		&DistributeEntry{Term: 5, ID: "abc", Payload: []byte{0, 1, 2, 255}, AckRequested: true},
		&DistributeEntryAck{Term: 5, ID: "abc", OK: true},
	}

	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		for _, m := range messages {
			t.Run(m.Kind().String(), func(t *testing.T) {
				data, err := codec.Encode(m)
				require.NoError(t, err)

				decoded, err := codec.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, m, decoded)
			})
		}
	}
}

func TestJSONCodec_DecodeMalformed(t *testing.T) {
	codec := JSONCodec{}

	cases := map[string]string{
		"not json":               `{{`,
		"missing type":           `{"term": 1}`,
		"unknown type":           `{"type": 42, "term": 1}`,
		"negative type":          `{"type": -1, "term": 1}`,
		"string term":            `{"type": 1, "term": "1", "granted": true}`,
		"fractional term":        `{"type": 1, "term": 1.5, "granted": true}`,
		"term out of range":      `{"type": 1, "term": 4294967296, "granted": true}`,
		"missing field":          `{"type": 0, "term": 1, "lastLogTerm": 0}`,
		"bool as number":         `{"type": 1, "term": 1, "granted": 1}`,
		"bad heartbeat marker":   `{"type": 2, "term": 1, "previousLogIndex": 0, "previousLogTerm": 0, "commitIndex": 0, "entries": "beat"}`,
		"empty entries list":     `{"type": 2, "term": 1, "previousLogIndex": 0, "previousLogTerm": 0, "commitIndex": 0, "entries": []}`,
		"entry without term":     `{"type": 2, "term": 1, "previousLogIndex": 0, "previousLogTerm": 0, "commitIndex": 0, "entries": [{"payload": ""}]}`,
		"payload not base64":     `{"type": 4, "term": 1, "id": "a", "payload": "%%%", "ackRequested": false}`,
		"ack id of wrong type":   `{"type": 5, "term": 1, "id": 7, "ok": true}`,
		"vote fields on append":  `{"type": 2, "term": 1, "lastLogTerm": 0, "lastLogIndex": 0}`,
		"append fields on votes": `{"type": 1, "term": 1, "success": true}`,
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			m, err := codec.Decode([]byte(input))
			assert.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, m)
		})
	}
}

func TestProtoCodec_DecodeGarbage(t *testing.T) {
	_, err := ProtoCodec{}.Decode([]byte{0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncodeNil(t *testing.T) {
	_, err := JSONCodec{}.Encode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestNewCodec(t *testing.T) {
	c, err := NewCodec("json")
	require.NoError(t, err)
	assert.IsType(t, JSONCodec{}, c)

	c, err = NewCodec("proto")
	require.NoError(t, err)
	assert.IsType(t, ProtoCodec{}, c)

	_, err = NewCodec("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "RequestVote", KindRequestVote.String())
	assert.Equal(t, "DistributeEntryAck", KindDistributeEntryAck.String())
	assert.Equal(t, "Unknown", Kind(200).String())
	assert.True(t, (&RequestAppendEntry{}).IsHeartbeat())
}
