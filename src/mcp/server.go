package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sourcegraph/jsonrpc2"
)

const (
	DefaultAddr  = "127.0.0.1:8080"
	maxBodyBytes = 1 << 20
)

type methodHandler func(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error)

// Server answers tool protocol requests over HTTP on a loopback address.
type Server struct {
	addr     string
	registry *Registry
	logger   *slog.Logger
	methods  map[string]methodHandler

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Only loopback hosts are accepted.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a stopped server answering for the tools in registry.
func NewServer(registry *Registry, opts ...Option) *Server {
	s := &Server{
		addr:     DefaultAddr,
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.methods = map[string]methodHandler{
		MethodInitialize: s.handleInitialize,
		MethodToolsList:  s.handleToolsList,
		MethodToolsCall:  s.handleToolsCall,
		MethodPing:       s.handlePing,
	}
	return s
}

// Handler returns the HTTP handler serving the protocol on every path.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(corsMiddleware)
	router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Methods(http.MethodPost).HandlerFunc(s.handleRPC)

	// mux skips middleware for unmatched requests, so wrap these directly
	unsupported := corsMiddleware(http.HandlerFunc(s.handleUnsupported))
	router.MethodNotAllowedHandler = unsupported
	router.NotFoundHandler = unsupported
	return router
}

// handleUnsupported answers any verb other than POST and OPTIONS with an
// RPC error, still with HTTP 200.
func (s *Server) handleUnsupported(w http.ResponseWriter, r *http.Request) {
	s.writeResponse(w, NewErrorResponse(jsonrpc2.ID{}, NewError(CodeInternalError, "Internal error: unsupported method "+r.Method)))
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

// Start begins listening. Calling Start on a running server is a no-op.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}
	if err := checkLoopback(s.addr); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.addr, err)
	}
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("tool server stopped", "error", err)
		}
	}()
	s.srv, s.ln, s.done = srv, ln, done
	s.logger.Info("tool server started", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down. Stopping a stopped server is a no-op.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	<-s.done
	s.logger.Info("tool server stopped", "addr", s.ln.Addr().String())
	s.srv, s.ln, s.done = nil, nil, nil
	return err
}

// Running reports whether the server is listening.
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.srv != nil
}

// Addr is the bound address while running, otherwise the configured one.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// URL is the base URL clients should post to.
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return nil
	}
	return fmt.Errorf("listen address %q is not a loopback address", addr)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeResponse(w, NewErrorResponse(jsonrpc2.ID{}, internalError(err)))
		return
	}
	req, err := DecodeRequest(body)
	if err != nil {
		s.logger.Warn("malformed rpc request", "error", err)
		s.writeResponse(w, NewErrorResponse(jsonrpc2.ID{}, internalError(err)))
		return
	}
	s.writeResponse(w, s.dispatch(r.Context(), req))
}

func (s *Server) dispatch(ctx context.Context, req *jsonrpc2.Request) *jsonrpc2.Response {
	s.logger.Debug("rpc request", "method", req.Method, "id", req.ID.String())
	handler, ok := s.methods[req.Method]
	if !ok {
		return NewErrorResponse(req.ID, NewError(CodeMethodNotFound, "Method not found: "+req.Method))
	}
	result, rpcErr := handler(ctx, req)
	if rpcErr != nil {
		return NewErrorResponse(req.ID, rpcErr)
	}
	resp, err := NewResult(req.ID, result)
	if err != nil {
		return NewErrorResponse(req.ID, internalError(err))
	}
	return resp
}

func (s *Server) writeResponse(w http.ResponseWriter, resp *jsonrpc2.Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("marshal rpc response", "error", err)
		data = []byte(`{"jsonrpc":"2.0","id":0,"error":{"code":-32603,"message":"Internal error"}}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Error("write rpc response", "error", err)
	}
}

func internalError(err error) *jsonrpc2.Error {
	return NewError(CodeInternalError, "Internal error: "+err.Error())
}

func (s *Server) handleInitialize(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	return InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    Capabilities{Tools: map[string]any{}},
		ServerInfo:      ServerInfo{Name: ServerName, Version: ServerVersion},
	}, nil
}

func (s *Server) handleToolsList(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	return ToolsListResult{Tools: s.registry.List()}, nil
}

func (s *Server) handlePing(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	return map[string]any{}, nil
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc2.Request) (any, *jsonrpc2.Error) {
	var params CallParams
	if req.Params == nil {
		return nil, NewError(CodeInvalidParams, "Invalid params: missing params")
	}
	if err := json.Unmarshal(*req.Params, &params); err != nil {
		return nil, NewError(CodeInvalidParams, "Invalid params: "+err.Error())
	}
	tool, ok := s.registry.Get(params.Name)
	if !ok {
		return nil, NewError(CodeMethodNotFound, "Tool not found: "+params.Name)
	}
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	start := time.Now()
	result, err := s.callTool(ctx, tool, params.Arguments)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", tool.Name, "duration", time.Since(start), "error", err)
		var rpcErr *jsonrpc2.Error
		if errors.As(err, &rpcErr) {
			return nil, rpcErr
		}
		return nil, NewError(CodeUpstreamFailure, err.Error())
	}
	s.logger.Info("tool call completed", "tool", tool.Name, "duration", time.Since(start))
	return result, nil
}

func (s *Server) callTool(ctx context.Context, tool Tool, args map[string]any) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewError(CodeInternalError, fmt.Sprintf("Internal error: tool %s panicked: %v", tool.Name, p))
		}
	}()
	return tool.Handler(ctx, args)
}
