package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/go-wayang/internal/otel"
	"github.com/basket/go-wayang/internal/shared"
)

const maxMessageBytes = 4 * 1024 * 1024

type Config struct {
	Runner  Runner
	Schemas SchemaLoader
	Logger  *slog.Logger
	Tracer  trace.Tracer
	Version string
}

// Server dispatches MCP requests. It holds no per-session state and is safe
// for concurrent use.
type Server struct {
	runner  Runner
	schemas SchemaLoader
	logger  *slog.Logger
	tracer  trace.Tracer
	version string
	tools   []toolDef
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Runner == nil {
		return nil, errors.New("mcp: runner is required")
	}
	s := &Server{
		runner:  cfg.Runner,
		schemas: cfg.Schemas,
		logger:  cfg.Logger,
		tracer:  cfg.Tracer,
		version: cfg.Version,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.tracer == nil {
		s.tracer = noop.NewTracerProvider().Tracer("mcp")
	}
	if s.version == "" {
		s.version = "dev"
	}
	if err := s.buildTools(); err != nil {
		return nil, err
	}
	return s, nil
}

// Tools lists the exposed tools in registration order.
func (s *Server) Tools() []Tool {
	out := make([]Tool, 0, len(s.tools))
	for _, t := range s.tools {
		out = append(out, t.Tool)
	}
	return out
}

// Handle processes one JSON-RPC message and returns the encoded response, or
// nil when the message was a notification.
func (s *Server) Handle(ctx context.Context, msg []byte) []byte {
	msg = bytes.TrimSpace(msg)
	var req Request
	if err := json.Unmarshal(msg, &req); err != nil {
		return encode(errorResponse(nil, CodeParseError, "parse error: "+err.Error()))
	}
	if req.JSONRPC != jsonRPCVersion || req.Method == "" {
		return encode(errorResponse(req.ID, CodeInvalidRequest, "invalid request"))
	}
	resp := s.dispatch(ctx, &req)
	if req.isNotification() {
		return nil
	}
	return encode(resp)
}

func (s *Server) dispatch(ctx context.Context, req *Request) (resp Response) {
	ctx, span := otel.StartServerSpan(ctx, s.tracer, "mcp."+req.Method,
		attribute.String("rpc.method", req.Method))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("mcp: handler panic", "method", req.Method, "panic", fmt.Sprint(r))
			resp = errorResponse(req.ID, CodeInternalError, "internal error")
		}
	}()

	switch req.Method {
	case "initialize":
		return result(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{"listChanged": false}},
			ServerInfo:      serverInfo{Name: "gowayang", Version: s.version},
		})
	case "notifications/initialized", "notifications/cancelled":
		return result(req.ID, struct{}{})
	case "ping":
		return result(req.ID, struct{}{})
	case "tools/list":
		return result(req.ID, map[string]any{"tools": s.Tools()})
	case "tools/call":
		var p callParams
		if len(req.Params) == 0 {
			return errorResponse(req.ID, CodeInvalidParams, "missing params")
		}
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return errorResponse(req.ID, CodeInvalidParams, "invalid params: "+err.Error())
		}
		t, ok := s.lookup(p.Name)
		if !ok {
			return errorResponse(req.ID, CodeInvalidParams, fmt.Sprintf("unknown tool %q", p.Name))
		}
		span.SetAttributes(attribute.String("mcp.tool", p.Name))
		res := s.callTool(ctx, t, p.Arguments)
		if res.IsError {
			s.logger.Warn("mcp: tool error", "tool", p.Name, "error", shared.Redact(res.Content[0].Text))
		}
		return result(req.ID, res)
	default:
		return errorResponse(req.ID, CodeMethodNotFound, "method not found: "+req.Method)
	}
}

// Serve reads newline-delimited requests from r until EOF or ctx is done and
// writes each response as one line to w. Requests are handled concurrently
// so a long query_wayang call does not block ping.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	write := func(b []byte) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := w.Write(append(b, '\n')); err != nil {
			s.logger.Error("mcp: write response", "error", err)
		}
	}

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				wg.Wait()
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if out := s.Handle(ctx, line); out != nil {
					write(out)
				}
			}()
		}
	}
}

func result(id json.RawMessage, v any) Response {
	return Response{JSONRPC: jsonRPCVersion, Result: v, ID: normalizeID(id)}
}

func errorResponse(id json.RawMessage, code int, msg string) Response {
	return Response{JSONRPC: jsonRPCVersion, Error: &Error{Code: code, Message: msg}, ID: normalizeID(id)}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

func encode(resp Response) []byte {
	b, err := json.Marshal(resp)
	if err != nil {
		b, _ = json.Marshal(errorResponse(resp.ID, CodeInternalError, "encode response: "+err.Error()))
	}
	return b
}
