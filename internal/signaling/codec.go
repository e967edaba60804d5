package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"
)

// WebSocket subprotocols. A client that offers none gets JSON.
const (
	SubprotocolJSON    = "aero-mesh.v1.json"
	SubprotocolMsgpack = "aero-mesh.v1.msgpack"
)

// Subprotocols lists the supported subprotocols in server preference order.
var Subprotocols = []string{SubprotocolJSON, SubprotocolMsgpack}

// Codec encodes and decodes Messages for one WebSocket frame type.
type Codec interface {
	Subprotocol() string
	// FrameType is websocket.TextMessage or websocket.BinaryMessage.
	FrameType() int
	Encode(Message) ([]byte, error)
	// Decode parses exactly one message and validates it.
	Decode([]byte) (Message, error)
}

// CodecFor returns the codec negotiated for subprotocol.
func CodecFor(subprotocol string) (Codec, error) {
	switch subprotocol {
	case "", SubprotocolJSON:
		return JSONCodec{}, nil
	case SubprotocolMsgpack:
		return MsgpackCodec{}, nil
	default:
		return nil, fmt.Errorf("signaling: unsupported subprotocol %q", subprotocol)
	}
}

type JSONCodec struct{}

func (JSONCodec) Subprotocol() string { return SubprotocolJSON }
func (JSONCodec) FrameType() int      { return websocket.TextMessage }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Decode(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// MsgpackCodec carries the same field names as JSON in binary frames.
type MsgpackCodec struct{}

func (MsgpackCodec) Subprotocol() string { return SubprotocolMsgpack }
func (MsgpackCodec) FrameType() int      { return websocket.BinaryMessage }

func (MsgpackCodec) Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	enc.UseCompactInts(true)
	if err := enc.Encode(m); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (MsgpackCodec) Decode(data []byte) (Message, error) {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)
	dec.SetCustomStructTag("json")
	dec.DisallowUnknownFields(true)

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if r.Len() != 0 {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrInvalidMessage)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
