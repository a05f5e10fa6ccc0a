// Package hostproto defines the JSON messages exchanged with the
// yubihsm native messaging host.
package hostproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	// DefaultHostName is the native messaging host registered for the device.
	DefaultHostName = "yubihsm_native_host"

	MethodListAsymmetricKeys = "listAsymmetricKeys"
	MethodGetAsymmetricKey   = "getAsymmetricKey"

	StatusOK    = "ok"
	StatusPanic = "panic"
)

// ListKeysRequest asks the host for the asymmetric objects visible to an auth key.
type ListKeysRequest struct {
	Method    string `json:"method"`
	AuthKeyID uint16 `json:"auth_key_id"`
	Password  string `json:"password"`
}

// GetKeyRequest asks the host for the public material of one object.
type GetKeyRequest struct {
	Method    string `json:"method"`
	AuthKeyID uint16 `json:"auth_key_id"`
	Password  string `json:"password"`
	ObjectID  uint16 `json:"object_id"`
}

// Envelope is the method discriminator shared by every request.
type Envelope struct {
	Method string `json:"method"`
}

// KeyRecord is one asymmetric object as reported by the host.
type KeyRecord struct {
	ObjectID   uint16 `json:"object_id"`
	ObjectType string `json:"object_type"`
	Sequence   int    `json:"sequence"`
	PublicKey  Bytes  `json:"public_key"`
}

// Bytes is a byte string encoded as a JSON array of integers, which is
// how the host serializes binary fields. Base64 strings are accepted on
// decode.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("[]"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*b = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decode base64 bytes: %w", err)
		}
		*b = raw
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("decode byte array: %w", err)
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte array element %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Response is the host's answer to exactly one request. A "panic" status
// is a delivered response that reports a host-side failure.
type Response struct {
	Status  string          `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
	File    string          `json:"file,omitempty"`
	Line    int             `json:"line,omitempty"`
}

// OK builds a successful response carrying payload.
func OK(payload any) (*Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Response{Status: StatusOK, Payload: raw}, nil
}

// Panic builds a failure response. The message is sent both as the
// payload and in the error field.
func Panic(msg, file string, line int) *Response {
	raw, _ := json.Marshal(msg)
	return &Response{
		Status:  StatusPanic,
		Payload: raw,
		Error:   msg,
		File:    file,
		Line:    line,
	}
}

// PanicMessage extracts the human-readable failure of a non-ok response.
// A non-empty string payload takes precedence over the error field.
func (r *Response) PanicMessage() string {
	var s string
	if len(r.Payload) > 0 && json.Unmarshal(r.Payload, &s) == nil && s != "" {
		return s
	}
	if r.Error != "" {
		return r.Error
	}
	return "native host reported a failure"
}
