package llm

import (
	"encoding/json"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Tool is a function the model may ask to call.
type Tool struct {
	Type     string       `json:"type"`
	Function FunctionSpec `json:"function"`
}

// FunctionSpec describes a callable function and its JSON schema.
type FunctionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// NewFunctionTool wraps a function spec as a tool entry.
func NewFunctionTool(name, description string, parameters map[string]any) Tool {
	return Tool{
		Type:     "function",
		Function: FunctionSpec{Name: name, Description: description, Parameters: parameters},
	}
}

// ChatRequest is a chat-completion request. Temperature is always sent,
// including zero.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Tools       []Tool    `json:"tools,omitempty"`
	Temperature float64   `json:"temperature"`
}

// ChatResponse is a chat-completion reply.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice is one candidate reply; only the first is used.
type Choice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// ResponseMessage is the assistant reply. Content is nil when the model
// answered with a tool call only.
type ResponseMessage struct {
	Role         string        `json:"role"`
	Content      *string       `json:"content"`
	ToolCalls    []ToolCall    `json:"tool_calls,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// ToolCall is an entry of the tool_calls list.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names a function and carries its arguments as JSON text.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// DecodeArguments parses the JSON text of a function call's arguments.
func (f FunctionCall) DecodeArguments() (map[string]any, error) {
	var args map[string]any
	if err := json.Unmarshal([]byte(f.Arguments), &args); err != nil {
		return nil, err
	}
	return args, nil
}

// RequestedCall returns the function the model asked for, preferring the
// structured tool_calls list over the legacy function_call field.
func (m ResponseMessage) RequestedCall() (FunctionCall, bool) {
	if len(m.ToolCalls) > 0 {
		return m.ToolCalls[0].Function, true
	}
	if m.FunctionCall != nil && m.FunctionCall.Name != "" {
		return *m.FunctionCall, true
	}
	return FunctionCall{}, false
}
