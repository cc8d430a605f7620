// Package transport implements the JSON-RPC 2.0 over stdio collaborator
// spec §6 names. There is no teacher analog for the wire framing itself
// (the teacher speaks AMQP-framed RPCRequest/RPCResponse JSON, not
// JSON-RPC-over-stdio); the request/dispatch/respond loop shape — read,
// decode, dispatch to a handler, encode a response, log each step with a
// bracketed tag — is carried over from server/server.go's handleMessage
// dispatch loop, and the error-response shape generalizes
// server/types.go's RPCResponse{Error: ...} into a JSON-RPC error object.
package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"log"
	"sync"

	"github.com/sqlgateway/mcpmysql/internal/classify"
)

// Request is one JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  CallParams      `json:"params"`
}

// CallParams is the params object for method "tools/call".
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is one JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Notification is a server-initiated message carrying no id, used for C10
// task progress streaming.
type Notification struct {
	JSONRPC string           `json:"jsonrpc"`
	Method  string           `json:"method"`
	Params  ProgressNotice   `json:"params"`
}

// ProgressNotice is the §6 progress payload for long-running C10 tasks.
type ProgressNotice struct {
	TaskID        string  `json:"taskId"`
	Stage         string  `json:"stage"` // preparing|dumping|writing|verifying|completed|error
	Progress      float64 `json:"progress"`
	ProcessedRows int64   `json:"processedRows"`
	TotalRows     int64   `json:"totalRows"`
	ETAMillis     int64   `json:"etaMs"`
	CurrentSpeed  float64 `json:"currentSpeed"`
}

// categoryCode maps a classified error category onto a JSON-RPC error
// code. JSON-RPC reserves -32768..-32000; this gateway uses -32000 downward
// for domain categories, keeping the standard -326xx codes for protocol
// errors (parse/method/params).
var categoryCode = map[classify.Category]int{
	classify.ValidationError:   -32001,
	classify.AccessDenied:      -32002,
	classify.Authorization:     -32002,
	classify.Authentication:    -32003,
	classify.RateLimit:         -32004,
	classify.ResourceExhausted: -32005,
	classify.SecurityViolation: -32006,
	classify.ObjectNotFound:    -32007,
	classify.ConstraintViolated: -32008,
	classify.SyntaxError:       -32009,
	classify.TimeoutError:      -32010,
	classify.ConnectionError:   -32011,
}

const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// ErrorFrom builds a JSON-RPC error object from a classified error.
func ErrorFrom(e *classify.Error) *RPCError {
	code, ok := categoryCode[e.Category]
	if !ok {
		code = CodeInternalError
	}
	return &RPCError{Code: code, Message: e.Message, Data: map[string]any{
		"category": e.Category,
		"severity": e.Severity,
	}}
}

// Dispatcher handles one decoded call and returns a result or classified
// error.
type Dispatcher interface {
	Call(toolName string, arguments map[string]any) (any, *classify.Error)
}

// Server reads newline-delimited JSON-RPC requests from in, dispatches
// them, and writes responses to out. Concurrent notification writes (task
// progress) share out's encoder under a lock so frames never interleave.
type Server struct {
	in   *bufio.Scanner
	out  io.Writer
	mu   sync.Mutex
	disp Dispatcher
}

// NewServer wires a Server over the given reader/writer and dispatcher.
func NewServer(in io.Reader, out io.Writer, disp Dispatcher) *Server {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &Server{in: scanner, out: out, disp: disp}
}

// Run processes requests until in is exhausted or an unrecoverable write
// error occurs.
func (s *Server) Run() error {
	for s.in.Scan() {
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(append([]byte(nil), line...))
	}
	return s.in.Err()
}

func (s *Server) handleLine(line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		log.Printf("[transport] failed to decode request: %v", err)
		s.writeResponse(Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}
	if req.Method != "tools/call" {
		s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeMethodNotFound, Message: "unknown method: " + req.Method}})
		return
	}
	if req.Params.Name == "" {
		s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInvalidParams, Message: "params.name is required"}})
		return
	}

	result, cerr := s.disp.Call(req.Params.Name, req.Params.Arguments)
	if cerr != nil {
		s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Error: ErrorFrom(cerr)})
		return
	}
	s.writeResponse(Response{JSONRPC: "2.0", ID: req.ID, Result: result})
}

func (s *Server) writeResponse(resp Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.out)
	if err := enc.Encode(resp); err != nil {
		log.Printf("[transport] failed to write response: %v", err)
	}
}

// Notify emits a server-initiated progress notification. Safe to call
// concurrently with request handling.
func (s *Server) Notify(p ProgressNotice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enc := json.NewEncoder(s.out)
	n := Notification{JSONRPC: "2.0", Method: "tasks/progress", Params: p}
	if err := enc.Encode(n); err != nil {
		log.Printf("[transport] failed to write notification: %v", err)
	}
}
