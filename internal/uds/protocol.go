// Package uds is the request/response channel between the CLI and the daemon
// over a Unix domain socket. Each connection carries one request and one
// response, both framed as a 4 byte big endian length followed by JSON.
package uds

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const ProtocolVersion = 1

// Commands served by the daemon.
const (
	CommandPing     = "ping"
	CommandStatus   = "status"
	CommandScan     = "scan"
	CommandShutdown = "shutdown"
)

// Error codes carried in a failed response.
const (
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeUnknownCommand   = "UNKNOWN_COMMAND"
	CodeBadRequest       = "BAD_REQUEST"
	CodeInternal         = "INTERNAL_ERROR"
	CodeCancelled        = "CANCELLED"
)

// maxMessage bounds one frame. Status snapshots of large queues stay well below it.
const maxMessage = 10 << 20

var errTooLarge = errors.New("message too large")

type Request struct {
	Version int             `json:"v"`
	Command string          `json:"cmd"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the daemon. Handlers return it to pick the
// code the client sees; any other error is reported as CodeInternal.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Errorf builds an *Error with the given code.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// BindParams decodes request params into v. Missing params leave v untouched.
func BindParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return Errorf(CodeBadRequest, "invalid params: %v", err)
	}
	return nil
}

func newRequest(command string, params any) (Request, error) {
	req := Request{Version: ProtocolVersion, Command: command}
	if params == nil {
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s params: %w", command, err)
	}
	req.Params = raw
	return req, nil
}

func okResponse(data any) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return failResponse(Errorf(CodeInternal, "encode result: %v", err))
	}
	return Response{OK: true, Data: raw}
}

func failResponse(e *Error) Response { return Response{Error: e} }

// result decodes a successful response into out, or returns its *Error.
func (r Response) result(out any) error {
	if !r.OK {
		if r.Error == nil {
			return Errorf(CodeInternal, "request failed without detail")
		}
		return r.Error
	}
	if out == nil || len(r.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Data, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}

// WriteMessage writes v as one frame with a single write.
func WriteMessage(w io.Writer, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if len(payload) > maxMessage {
		return fmt.Errorf("%w: %d bytes", errTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// ReadMessage reads one frame into v.
func ReadMessage(r io.Reader, v any) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return fmt.Errorf("read message header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxMessage {
		return fmt.Errorf("%w: %d bytes", errTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("read message body: %w", err)
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}
