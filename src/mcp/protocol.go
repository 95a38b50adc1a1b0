package mcp

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "CaiyunWeather MCP Server"
	ServerVersion   = "1.0.0"
)

// Error codes used on the wire.
const (
	CodeUpstreamStatus  = -32000
	CodeUpstreamFailure = -32001
	CodeMethodNotFound  = -32601
	CodeInvalidParams   = -32602
	CodeInternalError   = -32603
)

// Methods the server answers.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
	MethodPing       = "ping"
)

// ToolDescriptor describes a tool to remote callers.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// CallParams are the params of a tools/call request.
type CallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ServerInfo identifies the server in the handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities lists what the server supports; only tools here.
type Capabilities struct {
	Tools map[string]any `json:"tools"`
}

// InitializeResult is the handshake reply.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ToolsListResult is the tools/list reply.
type ToolsListResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

// NewError builds an RPC error value. It satisfies the error interface so
// tool handlers can return it directly.
func NewError(code int, message string) *jsonrpc2.Error {
	return &jsonrpc2.Error{Code: int64(code), Message: message}
}

// ErrorCode returns the RPC code carried by err, if any.
func ErrorCode(err error) (int, bool) {
	var rpcErr *jsonrpc2.Error
	if errors.As(err, &rpcErr) {
		return int(rpcErr.Code), true
	}
	return 0, false
}

// NewRequest builds a request envelope with a numeric id.
func NewRequest(id uint64, method string, params any) (*jsonrpc2.Request, error) {
	req := &jsonrpc2.Request{Method: method, ID: jsonrpc2.ID{Num: id}}
	if params != nil {
		if err := req.SetParams(params); err != nil {
			return nil, fmt.Errorf("encode %s params: %w", method, err)
		}
	}
	return req, nil
}

// DecodeRequest parses an inbound request envelope. A body that is not
// JSON or lacks a method is rejected.
func DecodeRequest(data []byte) (*jsonrpc2.Request, error) {
	var req jsonrpc2.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	if req.Method == "" {
		return nil, errors.New("missing method field")
	}
	return &req, nil
}

// NewResult builds a success envelope.
func NewResult(id jsonrpc2.ID, result any) (*jsonrpc2.Response, error) {
	resp := &jsonrpc2.Response{ID: id}
	if err := resp.SetResult(result); err != nil {
		return nil, err
	}
	return resp, nil
}

// NewErrorResponse builds a failure envelope.
func NewErrorResponse(id jsonrpc2.ID, err *jsonrpc2.Error) *jsonrpc2.Response {
	return &jsonrpc2.Response{ID: id, Error: err}
}

// DecodeResponse parses a response envelope and checks that it carries
// exactly one of result and error.
func DecodeResponse(data []byte) (*jsonrpc2.Response, error) {
	var resp jsonrpc2.Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	hasResult := resp.Result != nil
	hasError := resp.Error != nil
	switch {
	case hasResult && hasError:
		return nil, errors.New("response carries both result and error")
	case !hasResult && !hasError:
		return nil, errors.New("response carries neither result nor error")
	}
	return &resp, nil
}
