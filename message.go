// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package rpcclient

import (
	"fmt"
	"maps"
	"time"
)

// Request is one logical remote call. ID is assigned by the client when the
// call is registered and must be echoed by the matching Response.
type Request struct {
	ID          uint64
	Service     string
	Method      string
	Payload     []byte
	Attachments map[string]string

	// Zero means the client-wide default.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Oneway requests expect no response.
	Oneway bool
}

// NewRequest encodes args with codec (JSON when nil) into a request for
// service.method.
func NewRequest(service, method string, args interface{}, codec Codec) (*Request, error) {
	if codec == nil {
		codec = defaultCodec
	}
	req := &Request{Service: service, Method: method}
	if args != nil {
		payload, err := codec.Encode(args)
		if err != nil {
			return nil, fmt.Errorf("%w: encode args: %w", ErrSerialization, err)
		}
		req.Payload = payload
	}
	return req, nil
}

// clone returns a copy safe to stamp with a fresh id.
func (r *Request) clone() *Request {
	c := *r
	c.ID = 0
	c.Attachments = maps.Clone(r.Attachments)
	return &c
}

// Response is a decoded reply. Error holds a failure message reported by
// the remote service.
type Response struct {
	ID          uint64
	Payload     []byte
	Error       string
	Attachments map[string]string
}

// Decode unmarshals the payload into v using codec (JSON when nil).
func (r *Response) Decode(codec Codec, v interface{}) error {
	if v == nil || len(r.Payload) == 0 {
		return nil
	}
	if codec == nil {
		codec = defaultCodec
	}
	if err := codec.Decode(r.Payload, v); err != nil {
		return fmt.Errorf("%w: decode reply: %w", ErrSerialization, err)
	}
	return nil
}
