// Package wire frames and decodes the venue's envelope: each message is a
// 4-byte big-endian length prefix followed by a UTF-8 JSON payload. Requests
// decode to {operation, values}; responses are flat objects.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize bounds a single payload; anything larger is a protocol
	// violation, not a big order.
	MaxFrameSize = 4 * 1024

	headerLen = 4
)

var (
	ErrEmptyFrame    = errors.New("empty frame")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrBadEnvelope   = errors.New("malformed request envelope")
)

// Operation tags carried in the request envelope.
const (
	OpRegister          = "register"
	OpLogin             = "login"
	OpLogout            = "logout"
	OpUpdateCredentials = "updateCredentials"
	OpInsertLimitOrder  = "insertLimitOrder"
	OpInsertMarketOrder = "insertMarketOrder"
	OpInsertStopOrder   = "insertStopOrder"
	OpCancelOrder       = "cancelOrder"
	OpGetPriceHistory   = "getPriceHistory"
	OpExit              = "exit"
)

// Request is the decoded envelope. Values stays raw until the operation tag
// selects the typed payload to unmarshal it into.
type Request struct {
	Operation string          `json:"operation"`
	Values    json.RawMessage `json:"values"`
}

// Typed request payloads.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CredentialUpdate struct {
	Username    string `json:"username"`
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type LimitOrder struct {
	Side  string `json:"side"`
	Size  uint64 `json:"size"`
	Price uint64 `json:"price"`
}

type MarketOrder struct {
	Side string `json:"side"`
	Size uint64 `json:"size"`
}

type StopOrder struct {
	Side      string `json:"side"`
	Size      uint64 `json:"size"`
	StopPrice uint64 `json:"stopPrice"`
}

type CancelOrder struct {
	OrderID int64 `json:"orderId"`
}

type PriceHistory struct {
	Limit int `json:"limit"`
}

// Response shapes.
type SimpleResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type OrderResponse struct {
	OrderID int64 `json:"orderId"`
}

type PriceHistoryResponse struct {
	Prices []uint64 `json:"prices"`
}

// ReadFrame reads one length-delimited payload off r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [headerLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, ErrEmptyFrame
	}
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("short frame: %w", err)
	}
	return payload, nil
}

// WriteFrame writes payload with its length prefix in a single Write call,
// so concurrent writers never interleave partial frames.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, headerLen+len(payload))
	binary.BigEndian.PutUint32(buf[:headerLen], uint32(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadRequest reads and decodes the next request envelope. A frame that does
// not decode is reported as ErrBadEnvelope; the caller treats that as fatal
// for the connection.
func ReadRequest(r io.Reader) (Request, error) {
	payload, err := ReadFrame(r)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrBadEnvelope, err)
	}
	if req.Operation == "" {
		return Request{}, fmt.Errorf("%w: missing operation", ErrBadEnvelope)
	}
	return req, nil
}

// WriteRequest encodes and frames a request envelope.
func WriteRequest(w io.Writer, operation string, values any) error {
	raw, err := json.Marshal(values)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(Request{Operation: operation, Values: raw})
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// WriteResponse encodes and frames a flat response object.
func WriteResponse(w io.Writer, response any) error {
	payload, err := json.Marshal(response)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}
