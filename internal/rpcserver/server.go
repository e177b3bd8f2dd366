// Package rpcserver exposes the session coordinator to an out-of-process UI
// as JSON-RPC 2.0 tools over a byte stream, usually stdio.
package rpcserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go2tv.app/sonosplay/internal/domain"
	"go2tv.app/sonosplay/internal/session"
)

const (
	protocolVersion = "2024-11-05"
	minScanTimeout  = 100 * time.Millisecond
	internalError   = "INTERNAL_ERROR"
)

var errInvalidParams = errors.New("invalid params")

// Coordinator is the subset of session.Coordinator the tools call.
type Coordinator interface {
	ListTargets(ctx context.Context, timeout time.Duration) ([]domain.Target, error)
	SelectFile(path string) (domain.MediaFile, error)
	SelectTarget(selector string) (domain.Target, error)
	Play(ctx context.Context, file, target string) (*domain.Session, error)
	Stop(ctx context.Context) error
	Status() session.Status
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *zap.Logger
	Coordinator   Coordinator
}

type toolFunc func(ctx context.Context, args json.RawMessage) (text string, structured any, err error)

type Server struct {
	in          *bufio.Reader
	out         *bufio.Writer
	mode        frameMode
	name        string
	version     string
	logger      *zap.Logger
	coordinator Coordinator
	specs       []toolSpec
	tools       map[string]toolFunc
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "sonosplay"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		in:          bufio.NewReader(in),
		out:         bufio.NewWriter(out),
		name:        cfg.ServerName,
		version:     cfg.ServerVersion,
		logger:      cfg.Logger,
		coordinator: cfg.Coordinator,
		specs:       toolSpecs(),
	}
	s.tools = map[string]toolFunc{
		"list_targets":  s.listTargets,
		"select_file":   s.selectFile,
		"select_target": s.selectTarget,
		"play":          s.play,
		"stop":          s.stop,
		"status":        s.status,
	}
	return s
}

// Run serves requests until the input ends, ctx is done, or writing fails.
// The response framing follows the framing of the first request.
func (s *Server) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			s.logger.Info("rpc_context_done", zap.Error(err))
			return err
		}

		payload, mode, err := readFrame(s.in)
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logger.Info("rpc_stream_eof")
				return nil
			}
			s.logger.Error("rpc_read_failed", zap.Error(err))
			return err
		}
		if s.mode == modeUnset {
			s.mode = mode
			s.logger.Debug("rpc_output_mode", zap.Stringer("mode", mode))
		}

		if err := s.handle(ctx, payload); err != nil {
			s.logger.Error("rpc_write_failed", zap.Error(err))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	started := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall("parse", started, "-32700")
		return s.sendError(nil, codeParseError, "parse error")
	}
	// Notifications get no reply.
	if len(req.ID) == 0 {
		return nil
	}
	if req.JSONRPC != "" && req.JSONRPC != "2.0" {
		s.logCall(req.Method, started, "-32600")
		return s.sendError(req.ID, codeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		s.logCall(req.Method, started, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{"listChanged": false},
			},
			ServerInfo: map[string]string{
				"name":    s.name,
				"version": s.version,
			},
			Instructions: "Call list_targets to find speakers, then play with a file path and a target.",
		}})
	case "tools/list":
		s.logCall(req.Method, started, "")
		return s.send(response{JSONRPC: "2.0", ID: req.ID, Result: toolsListResult{Tools: s.specs}})
	case "tools/call":
		return s.callTool(ctx, req.ID, req.Params)
	default:
		s.logCall(req.Method, started, "-32601")
		return s.sendError(req.ID, codeMethodNotFound, "method not found")
	}
}

func (s *Server) callTool(ctx context.Context, id, rawParams json.RawMessage) error {
	started := time.Now()

	call, err := decodeToolCall(rawParams)
	if err != nil {
		s.logCall("tools/call", started, "-32602")
		return s.sendError(id, codeInvalidParams, "invalid params")
	}

	fn, ok := s.tools[call.Name]
	if !ok {
		s.logCall(call.Name, started, "TOOL_NOT_FOUND")
		return s.sendResult(id, errorResult(toolErrorBody{
			Code:    "TOOL_NOT_FOUND",
			Message: fmt.Sprintf("unknown tool: %s", call.Name),
		}))
	}
	if s.coordinator == nil {
		s.logCall(call.Name, started, internalError)
		return s.sendResult(id, errorResult(toolErrorBody{
			Code:    internalError,
			Message: "session coordinator is not configured",
		}))
	}

	text, structured, err := fn(ctx, call.Arguments)
	switch {
	case errors.Is(err, errInvalidParams):
		s.logCall(call.Name, started, "-32602")
		return s.sendError(id, codeInvalidParams, "invalid params")
	case err != nil:
		body := errorBody(err)
		s.logCall(call.Name, started, body.Code)
		return s.sendResult(id, errorResult(body))
	}

	s.logCall(call.Name, started, "")
	return s.sendResult(id, toolResult{
		Content:           []textContent{{Type: "text", Text: text}},
		StructuredContent: structured,
	})
}

func (s *Server) listTargets(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var args struct {
		TimeoutMS *int `json:"timeout_ms,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return "", nil, errInvalidParams
	}

	var timeout time.Duration
	if args.TimeoutMS != nil {
		timeout = time.Duration(*args.TimeoutMS) * time.Millisecond
		if timeout < minScanTimeout {
			return "", nil, errInvalidParams
		}
	}

	targets, err := s.coordinator.ListTargets(ctx, timeout)
	if err != nil {
		return "", nil, err
	}

	text := fmt.Sprintf("Found %d speaker(s).", len(targets))
	if len(targets) > 0 {
		text += "\n" + formatTargets(targets)
	}
	return text, map[string]any{"count": len(targets), "targets": targets}, nil
}

func (s *Server) selectFile(_ context.Context, raw json.RawMessage) (string, any, error) {
	var args struct {
		Path string `json:"path"`
	}
	if err := decodeStrict(raw, &args); err != nil || strings.TrimSpace(args.Path) == "" {
		return "", nil, errInvalidParams
	}

	file, err := s.coordinator.SelectFile(args.Path)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Selected %s (%s, %d bytes).", file.Name, file.ContentType, file.Size), file, nil
}

func (s *Server) selectTarget(_ context.Context, raw json.RawMessage) (string, any, error) {
	var args struct {
		Target string `json:"target"`
	}
	if err := decodeStrict(raw, &args); err != nil || strings.TrimSpace(args.Target) == "" {
		return "", nil, errInvalidParams
	}

	target, err := s.coordinator.SelectTarget(args.Target)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Selected %s.", target.Label()), target, nil
}

func (s *Server) play(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var args struct {
		File   string `json:"file,omitempty"`
		Target string `json:"target,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return "", nil, errInvalidParams
	}

	sess, err := s.coordinator.Play(ctx, args.File, args.Target)
	if err != nil {
		return "", nil, err
	}
	return fmt.Sprintf("Playing %s on %s (session %s).", sess.Media.Name, sess.Target.Label(), sess.ID), sess, nil
}

func (s *Server) stop(ctx context.Context, raw json.RawMessage) (string, any, error) {
	var args struct{}
	if err := decodeStrict(raw, &args); err != nil {
		return "", nil, errInvalidParams
	}

	if err := s.coordinator.Stop(ctx); err != nil {
		return "", nil, err
	}
	return "Stopped.", map[string]any{"stopped": true}, nil
}

func (s *Server) status(_ context.Context, raw json.RawMessage) (string, any, error) {
	var args struct{}
	if err := decodeStrict(raw, &args); err != nil {
		return "", nil, errInvalidParams
	}

	status := s.coordinator.Status()
	return status.Message, status, nil
}

// decodeToolCall accepts arguments nested under "arguments" or flattened next
// to "name", as some clients send them.
func decodeToolCall(raw json.RawMessage) (toolCall, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolCall{}, err
	}

	var name string
	if err := json.Unmarshal(payload["name"], &name); err != nil {
		return toolCall{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolCall{}, errors.New("missing tool name")
	}

	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			encoded, err := json.Marshal(flattened)
			if err != nil {
				return toolCall{}, err
			}
			arguments = encoded
		}
	}
	if trimmed := bytes.TrimSpace(arguments); len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolCall{Name: name, Arguments: arguments}, nil
}

func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	var trailing any
	if err := decoder.Decode(&trailing); err != io.EOF {
		return errors.New("invalid JSON payload")
	}
	return nil
}

func errorBody(err error) toolErrorBody {
	var dErr *domain.Error
	if !errors.As(err, &dErr) || dErr == nil {
		return toolErrorBody{Code: internalError, Message: err.Error()}
	}

	body := toolErrorBody{Code: string(dErr.Kind), Message: err.Error()}
	if dErr.Err != nil {
		body.Message = dErr.Err.Error()
	}
	if dErr.Target != "" || dErr.File != "" {
		body.Details = map[string]string{}
		if dErr.Target != "" {
			body.Details["target"] = dErr.Target
		}
		if dErr.File != "" {
			body.Details["file"] = dErr.File
		}
	}
	return body
}

func errorResult(body toolErrorBody) toolResult {
	return toolResult{
		Content:           []textContent{{Type: "text", Text: fmt.Sprintf("%s: %s", body.Code, body.Message)}},
		StructuredContent: map[string]any{"error": body},
		IsError:           true,
	}
}

func (s *Server) logCall(method string, started time.Time, errorCode string) {
	level := zapcore.InfoLevel
	if errorCode != "" {
		level = zapcore.ErrorLevel
	}
	s.logger.Log(level, "rpc_call",
		zap.String("method", strings.TrimSpace(method)),
		zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		zap.String("error_code", errorCode),
	)
}

func (s *Server) sendResult(id json.RawMessage, result toolResult) error {
	return s.send(response{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	return s.send(response{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message}})
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logger.Debug("rpc_send", zap.Int("bytes", len(encoded)))
	return writeFrame(s.out, s.mode, encoded)
}

func formatTargets(targets []domain.Target) string {
	var out strings.Builder
	for i, target := range targets {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(&out, "%d. id=%s name=%s protocol=%s address=%s",
			i+1, target.ID, target.Name, target.Protocol, target.Address)
	}
	return out.String()
}

func toolSpecs() []toolSpec {
	noArgs := map[string]any{
		"type":                 "object",
		"properties":           map[string]any{},
		"additionalProperties": false,
	}

	return []toolSpec{
		{
			Name:        "list_targets",
			Description: "Scan the local network for Sonos, DLNA and Chromecast speakers. Results are remembered for select_target and play.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"timeout_ms": map[string]any{
						"type":        "integer",
						"minimum":     minScanTimeout.Milliseconds(),
						"description": "How long to wait for speakers to answer.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "select_file",
			Description: "Choose the local audio file to play.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{
						"type":        "string",
						"description": "Path to a readable local audio file.",
					},
				},
				"required":             []string{"path"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "select_target",
			Description: "Choose the speaker to play on, by ID or name from list_targets.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"target": map[string]any{
						"type":        "string",
						"description": "Target ID or name.",
					},
				},
				"required":             []string{"target"},
				"additionalProperties": false,
			},
		},
		{
			Name:        "play",
			Description: "Play a file on a speaker. Omitted arguments use the current selections. Anything already playing is stopped first.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"file": map[string]any{
						"type":        "string",
						"description": "Path to a local audio file.",
					},
					"target": map[string]any{
						"type":        "string",
						"description": "Target ID or name.",
					},
				},
				"additionalProperties": false,
			},
		},
		{
			Name:        "stop",
			Description: "Stop playback and close the media endpoint.",
			InputSchema: noArgs,
		},
		{
			Name:        "status",
			Description: "Report what is playing and what is selected.",
			InputSchema: noArgs,
		},
	}
}
