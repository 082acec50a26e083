// Package wire implements the length-prefixed frame codec the Distributor
// uses to serialize invocations and deserialize responses. It is a pure
// function library: no state, no I/O. Framing is the only part of the wire
// protocol this module specifies — the body encoding is a deliberately
// simple stand-in for the external, unspecified invocation/response codec
// (see spec.md §1 Non-goals and DESIGN.md for why encoding/gob was chosen
// here over a third-party serializer).
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"
)

// invocationBody and responseBody mirror the wire-visible fields of
// distributor.Invocation / distributor.Response without importing the
// root package, keeping this codec independent of the Distributor's
// in-memory bookkeeping types.
type invocationBody struct {
	ClientHandle int64
	Procedure    string
	Args         []any
}

type responseBody struct {
	ClientHandle int64
	Status       int32
	ClusterRTTMs int64
	StatusString string
	Results      [][]byte // pre-encoded result tables, opaque to this codec
}

// EncodeInvocation serializes an invocation into a length-prefixed byte
// block: a 4-byte big-endian length prefix followed by the gob-encoded
// body.
func EncodeInvocation(clientHandle int64, procedure string, args []any) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(invocationBody{
		ClientHandle: clientHandle,
		Procedure:    procedure,
		Args:         args,
	}); err != nil {
		return nil, fmt.Errorf("wire: encode invocation: %w", err)
	}
	return frame(body.Bytes()), nil
}

// DecodedResponse is what DecodeResponse extracts from a response frame.
type DecodedResponse struct {
	ClientHandle int64
	Status       int32
	ClusterRTTMs int64
	StatusString string
	Results      [][]byte
}

// DecodeResponse parses a complete frame body (length prefix already
// stripped by the reactor) into a DecodedResponse.
func DecodeResponse(body []byte) (DecodedResponse, error) {
	var rb responseBody
	if err := gob.NewDecoder(bytes.NewReader(body)).Decode(&rb); err != nil {
		return DecodedResponse{}, fmt.Errorf("wire: decode response: %w", err)
	}
	return DecodedResponse{
		ClientHandle: rb.ClientHandle,
		Status:       rb.Status,
		ClusterRTTMs: rb.ClusterRTTMs,
		StatusString: rb.StatusString,
		Results:      rb.Results,
	}, nil
}

// EncodeResponse is the inverse of DecodeResponse: it produces a fully
// framed byte block (length prefix + body), suitable for a reactor
// implementation's wire-level tests.
func EncodeResponse(r DecodedResponse) ([]byte, error) {
	body, err := EncodeResponseBody(r)
	if err != nil {
		return nil, err
	}
	return frame(body), nil
}

// EncodeResponseBody gob-encodes r without a length prefix — this is the
// shape the reactor hands to an InboundHandler after deframing, so test
// doubles that simulate inbound delivery (see reactor/memreactor) should use
// this instead of EncodeResponse.
func EncodeResponseBody(r DecodedResponse) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(responseBody{
		ClientHandle: r.ClientHandle,
		Status:       r.Status,
		ClusterRTTMs: r.ClusterRTTMs,
		StatusString: r.StatusString,
		Results:      r.Results,
	}); err != nil {
		return nil, fmt.Errorf("wire: encode response: %w", err)
	}
	return body.Bytes(), nil
}

// frame prepends a 4-byte big-endian length prefix to body.
func frame(body []byte) []byte {
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(len(body)))
	copy(out[4:], body)
	return out
}

// ReadFrame reads one length-prefixed frame body from r. It is provided for
// reactor implementations that want to deframe a byte stream using this
// package's prefix format; the Distributor itself is only ever handed
// already-deframed bodies by the reactor.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("wire: read frame body: %w", err)
	}
	return body, nil
}
