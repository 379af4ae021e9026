package fabric

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"math"
	"sync"
)

// Wire-protocol tags.
//
// Frame format: [4-byte big-endian payload length][1-byte tag][binary-encoded message]
// Payload length covers the tag byte plus the encoded bytes.
const (
	TagRequest       byte = 1
	TagResponse      byte = 2
	TagErrorResponse byte = 3
	TagPublish       byte = 4
	TagSubscribe     byte = 5
	TagUnsubscribe   byte = 6
	TagPing          byte = 7
	TagPong          byte = 8
)

// Body type tags for the wire encoding of interface{} fields.
// Common types (string, int, etc.) are encoded directly to avoid reflection.
// Unknown types fall back to gob encoding.
const (
	bodyNil     byte = 0
	bodyString  byte = 1
	bodyInt     byte = 2
	bodyInt64   byte = 3
	bodyFloat64 byte = 4
	bodyBool    byte = 5
	bodyBytes   byte = 6
	bodyGob     byte = 7
)

// Request asks the receiving node to invoke a named handler and reply
// with the same correlation id.
type Request struct {
	CorrelationID int64
	Method        string
	Body          interface{}
}

// Response carries a handler's result back to the caller.
type Response struct {
	CorrelationID int64
	Body          interface{}
}

// ErrorResponse carries a handler or dispatch failure back to the caller.
type ErrorResponse struct {
	CorrelationID int64
	Kind          string
	Message       string
}

// Publish is a one-way topic message. It has no correlation id and
// expects no response.
type Publish struct {
	Topic string
	Body  interface{}
}

// Subscribe announces the sender's interest in a topic.
type Subscribe struct {
	Topic string
}

// Unsubscribe withdraws the sender's interest in a topic.
type Unsubscribe struct {
	Topic string
}

// Ping is a liveness probe.
type Ping struct{}

// Pong is the reply to a Ping.
type Pong struct{}

// WireEnvelope is a tagged transport-layer message.
type WireEnvelope struct {
	Tag     byte
	Payload interface{} // one of *Request, *Response, *ErrorResponse, *Publish, *Subscribe, *Unsubscribe, *Ping, *Pong
}

// Pools for the two highest-volume message types. These structs are
// allocated per-message on both the encode and decode paths; pooling
// them keeps steady-state call traffic allocation-free.
var requestPool = sync.Pool{
	New: func() any { return &Request{} },
}

var responsePool = sync.Pool{
	New: func() any { return &Response{} },
}

// recyclePayload zeros a pooled struct and returns it to its pool.
// Safe to call on any WireEnvelope — non-pooled types are ignored.
func recyclePayload(env WireEnvelope) {
	switch env.Tag {
	case TagRequest:
		if msg, ok := env.Payload.(*Request); ok {
			*msg = Request{}
			requestPool.Put(msg)
		}
	case TagResponse:
		if msg, ok := env.Payload.(*Response); ok {
			*msg = Response{}
			responsePool.Put(msg)
		}
	}
}

// recycleEnvelopes recycles pooled payloads and clears references in a
// batch slice so the GC doesn't keep returned structs alive via the array.
func recycleEnvelopes(envs []WireEnvelope) {
	for i := range envs {
		recyclePayload(envs[i])
		envs[i] = WireEnvelope{}
	}
}

// Envelope creates a WireEnvelope with the tag inferred from the payload type.
// Returns an error if the payload is not a recognized protocol message type.
// This function never panics — callers on network paths must handle the error
// and close the connection cleanly rather than crashing the node.
func Envelope(payload interface{}) (WireEnvelope, error) {
	var tag byte
	switch payload.(type) {
	case Request, *Request:
		tag = TagRequest
	case Response, *Response:
		tag = TagResponse
	case ErrorResponse, *ErrorResponse:
		tag = TagErrorResponse
	case Publish, *Publish:
		tag = TagPublish
	case Subscribe, *Subscribe:
		tag = TagSubscribe
	case Unsubscribe, *Unsubscribe:
		tag = TagUnsubscribe
	case Ping, *Ping:
		tag = TagPing
	case Pong, *Pong:
		tag = TagPong
	default:
		return WireEnvelope{}, fmt.Errorf("fabric: unknown protocol message type %T", payload)
	}
	return WireEnvelope{Tag: tag, Payload: payload}, nil
}

func init() {
	// Register basic types for the gob fallback path used when Body
	// contains types not handled by the native binary codec.
	gob.Register("")
	gob.Register(0)
	gob.Register(int64(0))
	gob.Register(float64(0))
	gob.Register(false)
	gob.Register([]byte(nil))
	gob.Register(map[string]interface{}{})
}

// RegisterWireType registers a user-defined type so it can be transmitted
// as a Body value via the gob fallback path. Must be called before sending
// messages containing this type.
func RegisterWireType(value interface{}) {
	gob.Register(value)
}

// --- binary codec: encode ---

// encodePayload writes the binary-encoded payload fields into buf.
func encodePayload(buf *bytes.Buffer, env WireEnvelope) error {
	switch env.Tag {
	case TagRequest:
		var msg *Request
		switch v := env.Payload.(type) {
		case *Request:
			msg = v
		case Request:
			msg = &v
		default:
			return fmt.Errorf("expected Request, got %T", env.Payload)
		}
		putI64(buf, msg.CorrelationID)
		putStr(buf, msg.Method)
		return putBody(buf, msg.Body)

	case TagResponse:
		var msg *Response
		switch v := env.Payload.(type) {
		case *Response:
			msg = v
		case Response:
			msg = &v
		default:
			return fmt.Errorf("expected Response, got %T", env.Payload)
		}
		putI64(buf, msg.CorrelationID)
		return putBody(buf, msg.Body)

	case TagErrorResponse:
		var msg *ErrorResponse
		switch v := env.Payload.(type) {
		case *ErrorResponse:
			msg = v
		case ErrorResponse:
			msg = &v
		default:
			return fmt.Errorf("expected ErrorResponse, got %T", env.Payload)
		}
		putI64(buf, msg.CorrelationID)
		putStr(buf, msg.Kind)
		putStr(buf, msg.Message)
		return nil

	case TagPublish:
		var msg *Publish
		switch v := env.Payload.(type) {
		case *Publish:
			msg = v
		case Publish:
			msg = &v
		default:
			return fmt.Errorf("expected Publish, got %T", env.Payload)
		}
		putStr(buf, msg.Topic)
		return putBody(buf, msg.Body)

	case TagSubscribe:
		var msg *Subscribe
		switch v := env.Payload.(type) {
		case *Subscribe:
			msg = v
		case Subscribe:
			msg = &v
		default:
			return fmt.Errorf("expected Subscribe, got %T", env.Payload)
		}
		putStr(buf, msg.Topic)
		return nil

	case TagUnsubscribe:
		var msg *Unsubscribe
		switch v := env.Payload.(type) {
		case *Unsubscribe:
			msg = v
		case Unsubscribe:
			msg = &v
		default:
			return fmt.Errorf("expected Unsubscribe, got %T", env.Payload)
		}
		putStr(buf, msg.Topic)
		return nil

	case TagPing, TagPong:
		return nil

	default:
		return fmt.Errorf("unknown tag %d", env.Tag)
	}
}

func putStr(buf *bytes.Buffer, s string) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], uint16(len(s)))
	buf.Write(tmp[:])
	buf.WriteString(s)
}

func putI64(buf *bytes.Buffer, v int64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(v))
	buf.Write(tmp[:])
}

func putBody(buf *bytes.Buffer, body interface{}) error {
	switch v := body.(type) {
	case nil:
		buf.WriteByte(bodyNil)
	case string:
		buf.WriteByte(bodyString)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
		buf.Write(tmp[:])
		buf.WriteString(v)
	case int:
		buf.WriteByte(bodyInt)
		putI64(buf, int64(v))
	case int64:
		buf.WriteByte(bodyInt64)
		putI64(buf, v)
	case float64:
		buf.WriteByte(bodyFloat64)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
		buf.Write(tmp[:])
	case bool:
		buf.WriteByte(bodyBool)
		if v {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case []byte:
		buf.WriteByte(bodyBytes)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(len(v)))
		buf.Write(tmp[:])
		buf.Write(v)
	default:
		// Gob fallback for user-defined types.
		buf.WriteByte(bodyGob)
		var gobBuf bytes.Buffer
		if err := gob.NewEncoder(&gobBuf).Encode(&body); err != nil {
			return fmt.Errorf("body gob encode: %w", err)
		}
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(gobBuf.Len()))
		buf.Write(tmp[:])
		buf.Write(gobBuf.Bytes())
	}
	return nil
}

// --- binary codec: decode ---

// decodePayload reads a payload from data based on the tag.
//
// Body decode failures on Request and Response are isolated: the
// envelope's routing fields (correlation id, method) have already been
// parsed, so the partially-decoded payload is returned alongside an
// error wrapping ErrDecode. The read loop uses the routing fields to
// fail only the affected call instead of tearing down the connection.
// All other failures return a nil payload and are connection-fatal.
func decodePayload(tag byte, data []byte) (interface{}, error) {
	switch tag {
	case TagRequest:
		msg := requestPool.Get().(*Request)
		off := 0
		var err error
		if msg.CorrelationID, off, err = getI64(data, off); err != nil {
			requestPool.Put(msg)
			return nil, err
		}
		if msg.Method, off, err = getStr(data, off); err != nil {
			requestPool.Put(msg)
			return nil, err
		}
		if msg.Body, _, err = getBody(data, off); err != nil {
			return msg, fmt.Errorf("%w: request %d: %v", ErrDecode, msg.CorrelationID, err)
		}
		return msg, nil

	case TagResponse:
		msg := responsePool.Get().(*Response)
		off := 0
		var err error
		if msg.CorrelationID, off, err = getI64(data, off); err != nil {
			responsePool.Put(msg)
			return nil, err
		}
		if msg.Body, _, err = getBody(data, off); err != nil {
			return msg, fmt.Errorf("%w: response %d: %v", ErrDecode, msg.CorrelationID, err)
		}
		return msg, nil

	case TagErrorResponse:
		var msg ErrorResponse
		off := 0
		var err error
		if msg.CorrelationID, off, err = getI64(data, off); err != nil {
			return nil, err
		}
		if msg.Kind, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.Message, _, err = getStr(data, off); err != nil {
			return nil, err
		}
		return &msg, nil

	case TagPublish:
		var msg Publish
		off := 0
		var err error
		if msg.Topic, off, err = getStr(data, off); err != nil {
			return nil, err
		}
		if msg.Body, _, err = getBody(data, off); err != nil {
			// A malformed publish has no caller to report to; the
			// dispatcher logs and drops it.
			return &msg, fmt.Errorf("%w: publish %q: %v", ErrDecode, msg.Topic, err)
		}
		return &msg, nil

	case TagSubscribe:
		var msg Subscribe
		var err error
		if msg.Topic, _, err = getStr(data, 0); err != nil {
			return nil, err
		}
		return &msg, nil

	case TagUnsubscribe:
		var msg Unsubscribe
		var err error
		if msg.Topic, _, err = getStr(data, 0); err != nil {
			return nil, err
		}
		return &msg, nil

	case TagPing:
		return &Ping{}, nil
	case TagPong:
		return &Pong{}, nil
	default:
		return nil, fmt.Errorf("unknown tag %d", tag)
	}
}

func getStr(data []byte, off int) (string, int, error) {
	if off+2 > len(data) {
		return "", off, fmt.Errorf("short data for string length")
	}
	n := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+n > len(data) {
		return "", off, fmt.Errorf("short data for string")
	}
	return string(data[off : off+n]), off + n, nil
}

func getI64(data []byte, off int) (int64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("short data for int64")
	}
	return int64(binary.BigEndian.Uint64(data[off:])), off + 8, nil
}

func getBody(data []byte, off int) (interface{}, int, error) {
	if off >= len(data) {
		return nil, off, fmt.Errorf("short data for body tag")
	}
	tag := data[off]
	off++
	switch tag {
	case bodyNil:
		return nil, off, nil
	case bodyString:
		if off+4 > len(data) {
			return nil, off, fmt.Errorf("short data for string body length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return nil, off, fmt.Errorf("short data for string body")
		}
		return string(data[off : off+n]), off + n, nil
	case bodyInt:
		v, newOff, err := getI64(data, off)
		return int(v), newOff, err
	case bodyInt64:
		return getI64(data, off)
	case bodyFloat64:
		if off+8 > len(data) {
			return nil, off, fmt.Errorf("short data for float64")
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data[off:])), off + 8, nil
	case bodyBool:
		if off >= len(data) {
			return nil, off, fmt.Errorf("short data for bool")
		}
		return data[off] != 0, off + 1, nil
	case bodyBytes:
		if off+4 > len(data) {
			return nil, off, fmt.Errorf("short data for bytes length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return nil, off, fmt.Errorf("short data for bytes body")
		}
		b := make([]byte, n)
		copy(b, data[off:off+n])
		return b, off + n, nil
	case bodyGob:
		if off+4 > len(data) {
			return nil, off, fmt.Errorf("short data for gob length")
		}
		n := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if off+n > len(data) {
			return nil, off, fmt.Errorf("short data for gob body")
		}
		var body interface{}
		if err := gob.NewDecoder(bytes.NewReader(data[off : off+n])).Decode(&body); err != nil {
			return nil, off + n, fmt.Errorf("body gob decode: %w", err)
		}
		return body, off + n, nil
	default:
		return nil, off, fmt.Errorf("unknown body tag %d", tag)
	}
}
