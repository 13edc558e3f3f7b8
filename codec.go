// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
)

// Codec turns CallTyped and Notify arguments into request payloads and
// reply payloads back into values. Frames themselves are FrameCodec's job.
type Codec interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte, v interface{}) error
}

// JSONCodec is the default payload codec.
type JSONCodec struct{}

func (JSONCodec) Encode(v interface{}) ([]byte, error) { return json.Marshal(v) }

func (JSONCodec) Decode(data []byte, v interface{}) error { return json.Unmarshal(data, v) }

var defaultCodec Codec = JSONCodec{}

// BinaryCodec carries pre-encoded payloads. Byte slices and json.RawMessage
// go on the wire untouched; any other value falls back to JSON.
type BinaryCodec struct{}

func (BinaryCodec) Encode(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	case json.RawMessage:
		return b, nil
	default:
		return json.Marshal(v)
	}
}

// Decode copies data so the reply does not alias the read buffer.
func (BinaryCodec) Decode(data []byte, v interface{}) error {
	switch b := v.(type) {
	case *[]byte:
		*b = append((*b)[:0], data...)
		return nil
	case *json.RawMessage:
		*b = append((*b)[:0], data...)
		return nil
	default:
		return json.Unmarshal(data, v)
	}
}

// Binary is the shared BinaryCodec, for use with WithCodec.
var Binary Codec = BinaryCodec{}

// MessageType identifies frame types on the wire
type MessageType uint8

const (
	MsgRequest  MessageType = 0x01
	MsgResponse MessageType = 0x02
	MsgError    MessageType = 0x03
	MsgNotify   MessageType = 0x04
)

const (
	frameHeaderLen = 4
	maxFrameLen    = 64 * 1024 * 1024
)

// FrameCodec converts requests and responses to and from length-prefixed
// frames:
//
//	request:  [4 len][1 type][8 id][2 n][service][2 n][method][attachments][payload]
//	response: [4 len][1 type][8 id][attachments][payload]
//	attachments: [2 count]{[2 n][key][2 n][value]}
//
// For MsgError responses the payload is the remote error message.
type FrameCodec struct{}

// EncodeRequest returns the frame for req.
func (FrameCodec) EncodeRequest(req *Request) ([]byte, error) {
	if len(req.Service) > math.MaxUint16 || len(req.Method) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: service or method name too long", ErrSerialization)
	}
	typ := MsgRequest
	if req.Oneway {
		typ = MsgNotify
	}
	w := frameWriter{}
	w.begin(typ, req.ID)
	w.str(req.Service)
	w.str(req.Method)
	if err := w.attachments(req.Attachments); err != nil {
		return nil, err
	}
	w.buf = append(w.buf, req.Payload...)
	return w.finish()
}

// EncodeResponse returns the frame for resp.
func (FrameCodec) EncodeResponse(resp *Response) ([]byte, error) {
	typ, payload := MsgResponse, resp.Payload
	if resp.Error != "" {
		typ, payload = MsgError, []byte(resp.Error)
	}
	w := frameWriter{}
	w.begin(typ, resp.ID)
	if err := w.attachments(resp.Attachments); err != nil {
		return nil, err
	}
	w.buf = append(w.buf, payload...)
	return w.finish()
}

// DecodeResponse decodes the first frame in buf and reports how many bytes
// it consumed. A partial frame yields ErrNeedMoreData.
func (FrameCodec) DecodeResponse(buf []byte) (*Response, int, error) {
	body, n, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	r := frameReader{buf: body}
	typ, id := r.head()
	if r.err != nil {
		return nil, n, r.err
	}
	if typ != MsgResponse && typ != MsgError {
		return nil, n, fmt.Errorf("%w: unexpected message type %#x", ErrSerialization, typ)
	}
	resp := &Response{ID: id}
	resp.Attachments = r.attachments()
	rest := r.rest()
	if r.err != nil {
		return nil, n, r.err
	}
	if typ == MsgError {
		resp.Error = string(rest)
		if resp.Error == "" {
			resp.Error = "unknown remote error"
		}
	} else {
		resp.Payload = rest
	}
	return resp, n, nil
}

// DecodeRequest is the server-side mirror of DecodeResponse.
func (FrameCodec) DecodeRequest(buf []byte) (*Request, int, error) {
	body, n, err := splitFrame(buf)
	if err != nil {
		return nil, 0, err
	}
	r := frameReader{buf: body}
	typ, id := r.head()
	if r.err != nil {
		return nil, n, r.err
	}
	if typ != MsgRequest && typ != MsgNotify {
		return nil, n, fmt.Errorf("%w: unexpected message type %#x", ErrSerialization, typ)
	}
	req := &Request{ID: id, Oneway: typ == MsgNotify}
	req.Service = r.str()
	req.Method = r.str()
	req.Attachments = r.attachments()
	req.Payload = r.rest()
	if r.err != nil {
		return nil, n, r.err
	}
	return req, n, nil
}

func splitFrame(buf []byte) ([]byte, int, error) {
	if len(buf) < frameHeaderLen {
		return nil, 0, ErrNeedMoreData
	}
	msgLen := binary.BigEndian.Uint32(buf[:frameHeaderLen])
	if msgLen == 0 || msgLen > maxFrameLen {
		return nil, 0, fmt.Errorf("%w: invalid frame length %d", ErrSerialization, msgLen)
	}
	total := frameHeaderLen + int(msgLen)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	return buf[frameHeaderLen:total], total, nil
}

type frameWriter struct {
	buf []byte
}

func (w *frameWriter) begin(typ MessageType, id uint64) {
	w.buf = make([]byte, frameHeaderLen+1+8, 64)
	w.buf[frameHeaderLen] = byte(typ)
	binary.BigEndian.PutUint64(w.buf[frameHeaderLen+1:], id)
}

func (w *frameWriter) str(s string) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *frameWriter) attachments(m map[string]string) error {
	if len(m) > math.MaxUint16 {
		return fmt.Errorf("%w: too many attachments", ErrSerialization)
	}
	w.buf = binary.BigEndian.AppendUint16(w.buf, uint16(len(m)))
	for k, v := range m {
		if len(k) > math.MaxUint16 || len(v) > math.MaxUint16 {
			return fmt.Errorf("%w: attachment %q too long", ErrSerialization, k)
		}
		w.str(k)
		w.str(v)
	}
	return nil
}

func (w *frameWriter) finish() ([]byte, error) {
	msgLen := len(w.buf) - frameHeaderLen
	if msgLen > maxFrameLen {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrSerialization, msgLen)
	}
	binary.BigEndian.PutUint32(w.buf[:frameHeaderLen], uint32(msgLen))
	return w.buf, nil
}

// frameReader records the first short read in err; later reads return zero values.
type frameReader struct {
	buf []byte
	err error
}

func (r *frameReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated frame", ErrSerialization)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *frameReader) head() (MessageType, uint64) {
	b := r.take(9)
	if b == nil {
		return 0, 0
	}
	return MessageType(b[0]), binary.BigEndian.Uint64(b[1:])
}

func (r *frameReader) u16() int {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return int(binary.BigEndian.Uint16(b))
}

func (r *frameReader) str() string {
	return string(r.take(r.u16()))
}

func (r *frameReader) attachments() map[string]string {
	n := r.u16()
	if n == 0 {
		return nil
	}
	m := make(map[string]string, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.str()
		m[k] = r.str()
	}
	return m
}

func (r *frameReader) rest() []byte {
	if r.err != nil || len(r.buf) == 0 {
		return nil
	}
	b := make([]byte, len(r.buf))
	copy(b, r.buf)
	r.buf = nil
	return b
}
