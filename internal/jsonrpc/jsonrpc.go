// Package jsonrpc holds the request/response shapes exchanged with the
// in-page wallet provider.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const Version = "2.0"

// Standard and wallet-specific error codes.
const (
	CodeParseError      = -32700
	CodeMethodNotFound  = -32601
	CodeServerError     = -32000
	CodeNotTrusted      = -1
	CodeUnauthorized    = 4100
	CodeUnsupported     = 4200
	CodeUserRejected    = 4001
	defaultErrorMessage = "Unknown error"
)

var ErrParse = errors.New("parse error")

// Request is a page-originated call. ID is kept as a string whatever its JSON type.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"-"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Error is the JSON-RPC error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Response is delivered back to the page. Result and Error are both always
// serialized so the page can branch on null.
type Response struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Result  any    `json:"result"`
	Error   *Error `json:"error"`
}

// Parse decodes a raw request. The id may be a JSON string or number.
func Parse(raw string) (Request, error) {
	var wire struct {
		Request
		RawID json.RawMessage `json:"id"`
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	if err := dec.Decode(&wire); err != nil {
		return Request{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	req := wire.Request
	req.ID = idString(wire.RawID)
	if req.JSONRPC == "" {
		req.JSONRPC = Version
	}
	return req, nil
}

// PeekID extracts the id from possibly invalid input so parse errors can still
// be correlated by the page.
func PeekID(raw string) string {
	var wire struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return ""
	}
	return idString(wire.ID)
}

func idString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Result builds a success response.
func Result(id string, result any) Response {
	return Response{JSONRPC: Version, ID: id, Result: result}
}

// Fail builds an error response.
func Fail(id string, code int, message string) Response {
	return Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

// FailFromWallet maps a wallet-returned errorCode/errorMessage pair. Codes that
// are not integers collapse to CodeServerError.
func FailFromWallet(id, code, message string) Response {
	if message == "" {
		message = defaultErrorMessage
	}
	var n int
	if _, err := fmt.Sscanf(code, "%d", &n); err != nil || fmt.Sprint(n) != code {
		n = CodeServerError
	}
	return Fail(id, n, message)
}

// ObjectParams decodes params as an object; absent or null params yield an empty map.
func (r Request) ObjectParams() (map[string]any, error) {
	out := map[string]any{}
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Params))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: params must be an object: %v", ErrParse, err)
	}
	return out, nil
}

// ArrayParams decodes params as a positional array.
func (r Request) ArrayParams() ([]any, error) {
	if len(r.Params) == 0 || string(r.Params) == "null" {
		return nil, nil
	}
	var out []any
	if err := json.Unmarshal(r.Params, &out); err != nil {
		return nil, fmt.Errorf("%w: params must be an array: %v", ErrParse, err)
	}
	return out, nil
}
