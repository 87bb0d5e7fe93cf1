// Package rpc implements correlation-based request/response over the pub/sub bus.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// RequestType names a venue operation
type RequestType string

const (
	TypeGetAccounts      RequestType = "GET_ACCOUNTS"
	TypeGetContracts     RequestType = "GET_CONTRACTS"
	TypeGetPositions     RequestType = "GET_POSITIONS"
	TypeGetWorkingOrders RequestType = "GET_WORKING_ORDERS"
	TypeUpdateSLTP       RequestType = "UPDATE_SLTP"
	TypeClosePosition    RequestType = "CLOSE_POSITION"
	TypePlaceOrder       RequestType = "PLACE_ORDER"
)

// Envelope keys shared by requests and responses
const (
	keyType            = "type"
	keyRequestID       = "requestId"
	keyResponseChannel = "responseChannel"
	keyTimestamp       = "timestamp"
	keySuccess         = "success"
	keyError           = "error"
)

// Request is published as a single flat JSON object: the envelope keys plus
// the type-specific Fields at the top level.
type Request struct {
	Type            RequestType
	RequestID       string
	ResponseChannel string
	Timestamp       time.Time
	Fields          map[string]interface{}
}

// NewRequest builds a request with the given type-specific fields
func NewRequest(t RequestType, fields map[string]interface{}) Request {
	return Request{Type: t, Fields: fields}
}

func (r Request) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(r.Fields)+4)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[keyType] = r.Type
	out[keyRequestID] = r.RequestID
	if r.ResponseChannel != "" {
		out[keyResponseChannel] = r.ResponseChannel
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	out[keyTimestamp] = ts.UTC().Format(time.RFC3339Nano)
	return json.Marshal(out)
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h := headerFrom(raw)
	r.Type = h.Type
	r.RequestID = h.RequestID
	r.ResponseChannel = h.ResponseChannel
	if s, ok := raw[keyTimestamp].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
			r.Timestamp = ts
		}
	}
	for _, k := range []string{keyType, keyRequestID, keyResponseChannel, keyTimestamp} {
		delete(raw, k)
	}
	r.Fields = raw
	return nil
}

// Header is the routing part of a request, read without touching the payload
type Header struct {
	Type            RequestType `json:"type"`
	RequestID       string      `json:"requestId"`
	ResponseChannel string      `json:"responseChannel"`
}

// PeekHeader extracts type, requestId and responseChannel from raw request bytes
func PeekHeader(raw []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(raw, &h); err != nil {
		return Header{}, fmt.Errorf("decode request header: %w", err)
	}
	return h, nil
}

func headerFrom(raw map[string]interface{}) Header {
	var h Header
	if s, ok := raw[keyType].(string); ok {
		h.Type = RequestType(s)
	}
	if s, ok := raw[keyRequestID].(string); ok {
		h.RequestID = s
	}
	if s, ok := raw[keyResponseChannel].(string); ok {
		h.ResponseChannel = s
	}
	return h
}

// Response is a decoded reply. Raw keeps the original bytes so payload fields
// can be decoded into a typed struct and so the message can be relayed verbatim.
type Response struct {
	RequestID string
	Success   bool
	Error     string
	Raw       []byte
}

type responseHeader struct {
	RequestID string `json:"requestId"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

// ParseResponse decodes the envelope of a response. A missing success flag
// counts as success unless an error message is present.
func ParseResponse(raw []byte) (*Response, error) {
	var h responseHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if h.RequestID == "" {
		return nil, fmt.Errorf("decode response: missing %s", keyRequestID)
	}
	success := h.Error == ""
	if h.Success != nil {
		success = *h.Success
	}
	return &Response{RequestID: h.RequestID, Success: success, Error: h.Error, Raw: raw}, nil
}

// Decode unmarshals the response payload into v
func (r *Response) Decode(v interface{}) error {
	if err := json.Unmarshal(r.Raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", r.RequestID, err)
	}
	return nil
}

// EncodeResponse builds a flat response object. payload must marshal to a JSON
// object (or be nil); its keys are merged next to the envelope.
func EncodeResponse(requestID string, success bool, errMsg string, payload interface{}) ([]byte, error) {
	out := make(map[string]interface{})
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &out); err != nil {
			return nil, fmt.Errorf("response payload must be an object: %w", err)
		}
	}
	out[keyRequestID] = requestID
	out[keySuccess] = success
	if errMsg != "" {
		out[keyError] = errMsg
	}
	return json.Marshal(out)
}
