package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"caiyun/src/async"
	"caiyun/src/llm"
	"caiyun/src/mcp"
	"caiyun/src/remote"
	"caiyun/src/weather"
)

// ErrUnknownFunction is returned when the model asks for a tool that was
// not offered. No tool is executed in that case.
var ErrUnknownFunction = errors.New("unknown function call")

// ChatCompleter sends one chat-completion request, retrying as it sees fit.
type ChatCompleter interface {
	Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error)
}

// WeatherFetcher returns the raw forecast payload for a location.
type WeatherFetcher interface {
	Forecast(ctx context.Context, loc weather.Location) (json.RawMessage, error)
}

// ToolClient is the async surface of the tool protocol client.
type ToolClient interface {
	InitializeAsync(ctx context.Context) *async.Future[*mcp.InitializeResult]
	ListToolsAsync(ctx context.Context) *async.Future[[]mcp.ToolDescriptor]
	CallToolAsync(ctx context.Context, name string, args map[string]any) *async.Future[json.RawMessage]
}

// Callbacks receive the outcome of Run. Exactly one of them is called,
// once, on the orchestrator's executor.
type Callbacks struct {
	OnSuccess func(payload string)
	OnError   func(err error)
}

type Options struct {
	LLM     ChatCompleter
	Weather WeatherFetcher // direct mode
	Tools   ToolClient     // mcp mode
	// Executor delivers callbacks. Defaults to async.Inline.
	Executor async.Executor
	Logger   *slog.Logger
}

// Orchestrator drives one forecast request through the model, the tool it
// asks for, and back.
type Orchestrator struct {
	llm     ChatCompleter
	weather WeatherFetcher
	tools   ToolClient
	exec    async.Executor
	logger  *slog.Logger
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		llm:     opts.LLM,
		weather: opts.Weather,
		tools:   opts.Tools,
		exec:    opts.Executor,
		logger:  opts.Logger,
	}
	if o.exec == nil {
		o.exec = async.Inline
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o
}

// Run starts a forecast request for location and returns immediately.
// The outcome is reported through cb on the configured executor.
func (o *Orchestrator) Run(ctx context.Context, location string, mode Mode, cb Callbacks) {
	go func() {
		payload, err := o.Forecast(ctx, location, mode)
		o.exec.Execute(func() {
			if err != nil {
				if cb.OnError != nil {
					cb.OnError(err)
				}
				return
			}
			if cb.OnSuccess != nil {
				cb.OnSuccess(payload)
			}
		})
	}()
}

// Forecast is the blocking form of Run.
func (o *Orchestrator) Forecast(ctx context.Context, location string, mode Mode) (string, error) {
	log := o.logger.With("mode", mode.String(), "location", location)
	start := time.Now()
	payload, err := o.forecast(ctx, log, location, mode)
	if err != nil {
		log.Error("forecast failed", "state", StateFailed.String(), "duration", time.Since(start), "error", err)
		return "", err
	}
	log.Info("forecast completed", "state", StateDone.String(), "duration", time.Since(start))
	return payload, nil
}

func (o *Orchestrator) forecast(ctx context.Context, log *slog.Logger, location string, mode Mode) (string, error) {
	if o.llm == nil {
		return "", errors.New("no chat client configured")
	}
	enter(log, StateBuildingRequest)
	p, err := o.profile(ctx, log, mode)
	if err != nil {
		return "", err
	}
	req := p.request(location)

	enter(log, StateAwaitingLLMResponse)
	ctx = llm.WithRetryObserver(ctx, func(s llm.RetryState) {
		log.Info("state", "state", StateRetrying.String(), "attempt", s.Attempt, "max_attempts", s.MaxAttempts, "delay", s.Delay)
		enter(log, StateAwaitingLLMResponse)
	})
	resp, err := o.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", remote.ProtocolError("DeepSeek API", errors.New("response has no choices"))
	}
	msg := resp.Choices[0].Message

	if call, ok := msg.RequestedCall(); ok {
		enter(log, StateToolCallDetected)
		if call.Name != p.toolName {
			return "", fmt.Errorf("%w: %s", ErrUnknownFunction, call.Name)
		}
		loc := locationArgument(log, call)
		enter(log, StateExecutingTool)
		return o.execute(ctx, mode, loc)
	}

	if msg.Content == nil {
		return "", remote.ProtocolError("DeepSeek API", errors.New("response has neither a tool call nor content"))
	}
	enter(log, StateDirectContent)
	return *msg.Content, nil
}

// locationArgument reads the location from the call's JSON arguments,
// falling back to the default location when they cannot be used.
func locationArgument(log *slog.Logger, call llm.FunctionCall) string {
	args, err := call.DecodeArguments()
	if err != nil {
		log.Warn("malformed tool arguments, using default location", "arguments", call.Arguments, "error", err)
		return weather.DefaultLocation
	}
	if loc, ok := args["location"].(string); ok && loc != "" {
		return loc
	}
	return weather.DefaultLocation
}

func (o *Orchestrator) execute(ctx context.Context, mode Mode, location string) (string, error) {
	switch mode {
	case ModeDirect:
		if o.weather == nil {
			return "", errors.New("no weather client configured")
		}
		raw, err := o.weather.Forecast(ctx, weather.Resolve(location))
		if err != nil {
			return "", err
		}
		return string(raw), nil
	case ModeMCP:
		if o.tools == nil {
			return "", errors.New("no tool client configured")
		}
		initialized := o.tools.InitializeAsync(ctx)
		called := async.Then(ctx, nil, initialized, func(ctx context.Context, _ *mcp.InitializeResult) (json.RawMessage, error) {
			return o.tools.CallToolAsync(ctx, mcp.WeatherToolName, map[string]any{"location": location}).Await(ctx)
		})
		raw, err := called.Await(ctx)
		if err != nil {
			return "", fmt.Errorf("tool server call failed: %w", err)
		}
		return string(raw), nil
	default:
		return "", fmt.Errorf("unsupported mode %q", mode)
	}
}

func enter(log *slog.Logger, s State) {
	log.Debug("state", "state", s.String())
}
