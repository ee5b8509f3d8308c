package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

const maxTopicLen = 65535

// EncodeFrame produces the binary [topicLen u16 LE][topic][payload]
// frame the transport's TransportMessage.Payload carries.
func EncodeFrame(topic string, payload []byte) ([]byte, error) {
	if len(topic) > maxTopicLen {
		return nil, ErrTopicTooLarge
	}
	buf := make([]byte, 2+len(topic)+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(topic)))
	copy(buf[2:2+len(topic)], topic)
	copy(buf[2+len(topic):], payload)
	return buf, nil
}

// DecodeFrame splits a binary frame back into its topic and payload.
func DecodeFrame(data []byte) (topic string, payload []byte, err error) {
	if len(data) < 2 {
		return "", nil, fmt.Errorf("%w: frame shorter than length prefix", ErrMalformedFrame)
	}
	topicLen := binary.LittleEndian.Uint16(data[0:2])
	if len(data) < 2+int(topicLen) {
		return "", nil, fmt.Errorf("%w: truncated topic", ErrMalformedFrame)
	}
	return string(data[2 : 2+topicLen]), data[2+topicLen:], nil
}

// Envelope is the versioned wrapper around a NodeMessage.
type Envelope struct {
	V   string
	Ts  int64
	Msg NodeMessage
}

// NewEnvelope wraps msg at the current protocol version.
func NewEnvelope(nowMs int64, msg NodeMessage) Envelope {
	return Envelope{V: ProtocolVersion, Ts: nowMs, Msg: msg}
}

// wireEnvelope is the actual JSON shape on the wire: {v, ts, msg}
// where msg carries its own "type" tag alongside its fields.
type wireEnvelope struct {
	V   string          `json:"v"`
	Ts  int64           `json:"ts"`
	Msg json.RawMessage `json:"msg"`
}

type typeTag struct {
	Type MessageType `json:"type"`
}

// EncodeJSON serializes the envelope to its wire JSON form.
func (e Envelope) EncodeJSON() ([]byte, error) {
	if e.Msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrMalformedFrame)
	}
	body, err := json.Marshal(e.Msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	tagged, err := mergeType(body, e.Msg.Kind())
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEnvelope{V: e.V, Ts: e.Ts, Msg: tagged})
}

func mergeType(body []byte, kind MessageType) (json.RawMessage, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	tag, err := json.Marshal(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	raw["type"] = tag
	out, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return out, nil
}

// DecodeEnvelope parses wire JSON into a typed Envelope. Decode
// failures return ErrMalformedFrame; a version mismatch returns
// ErrUnsupportedVersion.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var we wireEnvelope
	if err := json.Unmarshal(data, &we); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if we.V != ProtocolVersion {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, we.V)
	}

	var tag typeTag
	if err := json.Unmarshal(we.Msg, &tag); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	msg, err := decodeMessage(tag.Type, we.Msg)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{V: we.V, Ts: we.Ts, Msg: msg}, nil
}

func decodeMessage(kind MessageType, raw json.RawMessage) (NodeMessage, error) {
	switch kind {
	case TypeActionPropose:
		var m ActionPropose
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return m, nil
	case TypeActionSeal:
		var m ActionSeal
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return m, nil
	case TypeActionCommit:
		var m ActionCommit
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return m, nil
	case TypeSyncClock:
		var m SyncClock
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformedFrame, kind)
	}
}
