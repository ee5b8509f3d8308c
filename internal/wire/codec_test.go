package wire

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestFrame_RoundTrip(t *testing.T) {
	frame, err := EncodeFrame("node", []byte("payload-bytes"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	topic, payload, err := DecodeFrame(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if topic != "node" {
		t.Fatalf("expected topic %q, got %q", "node", topic)
	}
	if string(payload) != "payload-bytes" {
		t.Fatalf("expected payload %q, got %q", "payload-bytes", string(payload))
	}
}

func TestFrame_TopicTooLarge(t *testing.T) {
	big := make([]byte, maxTopicLen+1)
	if _, err := EncodeFrame(string(big), nil); !errors.Is(err, ErrTopicTooLarge) {
		t.Fatalf("expected ErrTopicTooLarge, got %v", err)
	}
}

func TestFrame_Truncated(t *testing.T) {
	if _, _, err := DecodeFrame([]byte{0x05, 0x00}); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestEnvelope_RoundTripActionPropose(t *testing.T) {
	payload, _ := json.Marshal(map[string]int{"x": 1})
	msg := ActionPropose{RoomID: "R", PeerID: "A", Tick: 5, Seq: 2, Payload: payload}
	encoded, err := NewEnvelope(1000, msg).EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	env, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := env.Msg.(ActionPropose)
	if !ok {
		t.Fatalf("expected ActionPropose, got %T", env.Msg)
	}
	if !reflect.DeepEqual(got, msg) {
		t.Fatalf("expected %#v, got %#v", msg, got)
	}
	if env.Ts != 1000 {
		t.Fatalf("expected ts 1000, got %d", env.Ts)
	}
}

func TestEnvelope_UnsupportedVersion(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":"v2","ts":0,"msg":{"type":"SYNC_CLOCK"}}`))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestEnvelope_UnknownType(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{"v":"v1","ts":0,"msg":{"type":"NOT_A_TYPE"}}`))
	if !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestEnvelope_MalformedJSON(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{not json`)); !errors.Is(err, ErrMalformedFrame) {
		t.Fatalf("expected ErrMalformedFrame, got %v", err)
	}
}

func TestEnvelope_SealCarriesNegativeLastSeq(t *testing.T) {
	msg := ActionSeal{RoomID: "R", PeerID: "B", Tick: 3, LastSeq: -1}
	encoded, err := NewEnvelope(1, msg).EncodeJSON()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	env, err := DecodeEnvelope(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	seal := env.Msg.(ActionSeal)
	if seal.LastSeq != -1 {
		t.Fatalf("expected lastSeq -1, got %d", seal.LastSeq)
	}
}
