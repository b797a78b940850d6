// Package wire defines the framed message model carried over the socket
// transport. Every WebSocket message is one Frame: a client- or
// server-initiated request, or the response correlated to an earlier request
// by id. Headers travel as a flat "Name:Value" string list.
package wire

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// KeepAlivePath is the request path used for keepalive probes in both
// directions. Inbound keepalive requests are acknowledged by the socket
// layer without involving application handlers.
const KeepAlivePath = "/v1/keepalive"

// FrameType discriminates the two frame kinds on the wire.
type FrameType string

const (
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
)

// Frame is the unit of exchange on a socket. Request frames carry Verb and
// Path; response frames carry Status and Message. ID correlates a response
// to the request that prompted it.
type Frame struct {
	Type    FrameType `json:"type"`
	ID      uint64    `json:"id"`
	Verb    string    `json:"verb,omitempty"`
	Path    string    `json:"path,omitempty"`
	Status  int       `json:"status,omitempty"`
	Message string    `json:"message,omitempty"`
	Headers []string  `json:"headers,omitempty"`
	Body    []byte    `json:"body,omitempty"`
}

// NewRequest builds a request frame.
func NewRequest(id uint64, verb, path string, headers []string, body []byte) *Frame {
	return &Frame{
		Type:    FrameRequest,
		ID:      id,
		Verb:    strings.ToUpper(verb),
		Path:    path,
		Headers: headers,
		Body:    body,
	}
}

// NewResponse builds a response frame answering the request with the given id.
func NewResponse(id uint64, status int, message string, headers []string, body []byte) *Frame {
	return &Frame{
		Type:    FrameResponse,
		ID:      id,
		Status:  status,
		Message: message,
		Headers: headers,
		Body:    body,
	}
}

// NewKeepAlive builds an outbound keepalive probe.
func NewKeepAlive(id uint64) *Frame {
	return NewRequest(id, http.MethodGet, KeepAlivePath, nil, nil)
}

// IsKeepAlive reports whether the frame is a keepalive request.
func (f *Frame) IsKeepAlive() bool {
	return f.Type == FrameRequest && f.Path == KeepAlivePath
}

// Encode serializes the frame for transmission.
func (f *Frame) Encode() ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses a received message into a frame and validates its
// discriminator.
func Decode(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch f.Type {
	case FrameRequest, FrameResponse:
		return &f, nil
	default:
		return nil, fmt.Errorf("decode frame: unknown type %q", f.Type)
	}
}

// HeaderList flattens an http.Header into the wire representation. Multiple
// values for one name become repeated entries; ordering follows
// http.Header iteration and is not significant on the wire.
func HeaderList(h http.Header) []string {
	if len(h) == 0 {
		return nil
	}
	out := make([]string, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, name+":"+v)
		}
	}
	return out
}

// ParseHeaderList converts wire headers back into an http.Header. Entries
// without a colon are treated as a bare name with an empty value, matching
// the tolerance of the backend.
func ParseHeaderList(list []string) http.Header {
	h := make(http.Header, len(list))
	for _, entry := range list {
		name, value, _ := strings.Cut(entry, ":")
		h.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return h
}
