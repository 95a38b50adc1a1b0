package orchestrator

import (
	"fmt"
	"strings"
)

// Mode selects how the weather tool is exposed to the model and executed.
type Mode int

const (
	// ModeDirect offers get_caiyun_weather and calls the weather API itself.
	ModeDirect Mode = iota
	// ModeMCP offers the tool server's tools and executes through it.
	ModeMCP
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeMCP:
		return "mcp"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode accepts "direct" or "mcp".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "direct":
		return ModeDirect, nil
	case "mcp":
		return ModeMCP, nil
	default:
		return 0, fmt.Errorf("unknown mode %q, want direct or mcp", s)
	}
}

// State is a step of one forecast request.
type State int

const (
	StateBuildingRequest State = iota
	StateAwaitingLLMResponse
	StateToolCallDetected
	StateDirectContent
	StateExecutingTool
	StateRetrying
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateBuildingRequest:     "BUILDING_REQUEST",
	StateAwaitingLLMResponse: "AWAITING_LLM_RESPONSE",
	StateToolCallDetected:    "TOOL_CALL_DETECTED",
	StateDirectContent:       "DIRECT_CONTENT",
	StateExecutingTool:       "EXECUTING_TOOL",
	StateRetrying:            "RETRYING",
	StateDone:                "DONE",
	StateFailed:              "FAILED",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}
