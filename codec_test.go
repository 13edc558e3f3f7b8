// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameCodecRequest(t *testing.T) {
	var codec FrameCodec
	req := &Request{
		ID:          42,
		Service:     "Arith",
		Method:      "Add",
		Payload:     []byte(`{"A":1,"B":2}`),
		Attachments: map[string]string{"trace": "abc", "tenant": "t1"},
	}
	frame, err := codec.EncodeRequest(req)
	require.NoError(t, err)

	got, n, err := codec.DecodeRequest(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, uint64(42), got.ID)
	assert.Equal(t, "Arith", got.Service)
	assert.Equal(t, "Add", got.Method)
	assert.Equal(t, req.Attachments, got.Attachments)
	assert.Equal(t, string(req.Payload), string(got.Payload))
	assert.False(t, got.Oneway)
}

func TestFrameCodecOnewayRequest(t *testing.T) {
	var codec FrameCodec
	frame, err := codec.EncodeRequest(&Request{ID: 1, Service: "Log", Method: "Write", Oneway: true})
	require.NoError(t, err)
	assert.Equal(t, byte(MsgNotify), frame[frameHeaderLen])

	got, _, err := codec.DecodeRequest(frame)
	require.NoError(t, err)
	assert.True(t, got.Oneway)
}

func TestFrameCodecResponse(t *testing.T) {
	var codec FrameCodec
	frame, err := codec.EncodeResponse(&Response{ID: 7, Payload: []byte("ok"), Attachments: map[string]string{"k": "v"}})
	require.NoError(t, err)

	got, n, err := codec.DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, "ok", string(got.Payload))
	assert.Equal(t, "v", got.Attachments["k"])
	assert.Empty(t, got.Error)
}

func TestFrameCodecErrorResponse(t *testing.T) {
	var codec FrameCodec
	frame, err := codec.EncodeResponse(&Response{ID: 9, Error: "division by zero"})
	require.NoError(t, err)
	assert.Equal(t, byte(MsgError), frame[frameHeaderLen])

	got, _, err := codec.DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, "division by zero", got.Error)
	assert.Empty(t, got.Payload)
}

func TestFrameCodecPartialFrames(t *testing.T) {
	var codec FrameCodec
	frame, err := codec.EncodeResponse(&Response{ID: 3, Payload: []byte("partial")})
	require.NoError(t, err)

	for i := 0; i < len(frame); i++ {
		_, n, err := codec.DecodeResponse(frame[:i])
		require.ErrorIs(t, err, ErrNeedMoreData, "prefix of %d bytes", i)
		assert.Zero(t, n)
	}
}

func TestFrameCodecConcatenatedFrames(t *testing.T) {
	var codec FrameCodec
	var buf []byte
	for id := uint64(1); id <= 3; id++ {
		frame, err := codec.EncodeResponse(&Response{ID: id, Payload: []byte{byte(id)}})
		require.NoError(t, err)
		buf = append(buf, frame...)
	}

	var ids []uint64
	for len(buf) > 0 {
		resp, n, err := codec.DecodeResponse(buf)
		require.NoError(t, err)
		ids = append(ids, resp.ID)
		buf = buf[n:]
	}
	assert.Equal(t, []uint64{1, 2, 3}, ids)
}

func TestFrameCodecRejectsBadFrames(t *testing.T) {
	var codec FrameCodec

	_, _, err := codec.DecodeResponse([]byte{0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrSerialization)

	huge := binary.BigEndian.AppendUint32(nil, maxFrameLen+1)
	_, _, err = codec.DecodeResponse(huge)
	assert.ErrorIs(t, err, ErrSerialization)

	truncated := binary.BigEndian.AppendUint32(nil, 3)
	truncated = append(truncated, byte(MsgResponse), 0, 0)
	_, _, err = codec.DecodeResponse(truncated)
	assert.ErrorIs(t, err, ErrSerialization)

	req, err := codec.EncodeRequest(&Request{ID: 1, Service: "S", Method: "M"})
	require.NoError(t, err)
	_, _, err = codec.DecodeResponse(req)
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestBinaryCodecPassesBytesThrough(t *testing.T) {
	data, err := Binary.Encode([]byte("raw"))
	require.NoError(t, err)
	assert.Equal(t, "raw", string(data))

	data, err = Binary.Encode(json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(data))

	in := []byte("raw")
	var out []byte
	require.NoError(t, Binary.Decode(in, &out))
	in[0] = 'R'
	assert.Equal(t, "raw", string(out))
}
