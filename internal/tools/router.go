package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sahilm/fuzzy"
	"go.uber.org/zap"

	"github.com/samsaffron/toolrelay/internal/llm"
	"github.com/samsaffron/toolrelay/internal/mcp"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 10 * time.Second

var (
	ErrUnknownTool = errors.New("unknown tool")
	ErrTimeout     = errors.New("tool execution timed out")
)

// UnknownToolError reports a name that resolves to no tool, with close
// matches when there are any.
type UnknownToolError struct {
	Name        string
	Suggestions []string
}

func (e *UnknownToolError) Error() string {
	if len(e.Suggestions) == 0 {
		return fmt.Sprintf("unknown tool: %s", e.Name)
	}
	return fmt.Sprintf("unknown tool: %s (did you mean %s?)", e.Name, strings.Join(e.Suggestions, ", "))
}

func (e *UnknownToolError) Is(target error) bool { return target == ErrUnknownTool }

// RemoteTools is the part of the server registry the router needs.
type RemoteTools interface {
	CallTool(ctx context.Context, id, rawName string, args map[string]any) (json.RawMessage, error)
	GetAllTools(ctx context.Context) ([]mcp.ServerTools, error)
}

// Router executes tool calls by name: qualified MCP names go to their
// server, everything else to the local table.
type Router struct {
	remote  RemoteTools
	local   *LocalTable
	timeout time.Duration
	logger  *zap.Logger

	mu         sync.Mutex
	knownNames []string // remote names seen by the last Specs call
}

func NewRouter(remote RemoteTools, local *LocalTable, timeout time.Duration, logger *zap.Logger) *Router {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{remote: remote, local: local, timeout: timeout, logger: logger}
}

// Execute runs the named tool and returns its result as compact JSON. The
// call races the router timeout; on expiry ErrTimeout is returned and the
// underlying call is cancelled on a best-effort basis.
func (r *Router) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	run, err := r.resolve(name, args)
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		out string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := run(ctx)
		done <- outcome{out, err}
	}()

	var res outcome
	select {
	case res = <-done:
		if res.err == nil {
			return res.out, nil
		}
	case <-ctx.Done():
		res.err = ctx.Err()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", fmt.Errorf("%w: %s after %s", ErrTimeout, name, r.timeout)
	}
	return "", res.err
}

// resolve picks the backend for name before anything runs, so routing
// failures never wait on the timeout.
func (r *Router) resolve(name string, rawArgs json.RawMessage) (func(context.Context) (string, error), error) {
	if serverID, rawName, ok := mcp.DecodeToolName(name); ok {
		if r.remote == nil {
			return nil, &UnknownToolError{Name: name}
		}
		args, err := decodeArgs(rawArgs)
		if err != nil {
			return nil, fmt.Errorf("invalid arguments for %s: %w", name, err)
		}
		return func(ctx context.Context) (string, error) {
			raw, err := r.remote.CallTool(ctx, serverID, rawName, args)
			if err != nil {
				return "", err
			}
			return compactJSON(raw)
		}, nil
	}

	tool, ok := r.local.Lookup(name)
	if !ok {
		return nil, &UnknownToolError{Name: name, Suggestions: r.suggest(name)}
	}
	return func(ctx context.Context) (string, error) {
		result, err := tool.Execute(ctx, rawArgs)
		if err != nil {
			return "", err
		}
		data, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("encode %s result: %w", name, err)
		}
		return string(data), nil
	}, nil
}

// Dispatch records call in ledger, executes it and records the result.
// A failed call stays recorded as called without a result.
func (r *Router) Dispatch(ctx context.Context, call llm.ToolCall, ledger *llm.Ledger) (string, error) {
	ledger.RecordCall(call)
	start := time.Now()
	out, err := r.Execute(ctx, call.Name, call.Arguments)
	if err != nil {
		ledger.RecordFailure(call.ID, err)
		r.logger.Warn("tool call failed",
			zap.String("call_id", call.ID),
			zap.String("tool", call.Name),
			zap.Duration("elapsed", time.Since(start)),
			zap.Error(err))
		return "", err
	}
	ledger.RecordResult(call.ID, out)
	r.logger.Debug("tool call completed",
		zap.String("call_id", call.ID),
		zap.String("tool", call.Name),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("bytes", len(out)))
	return out, nil
}

// Specs returns the local tool specs followed by every remote tool, named
// by its qualified name.
func (r *Router) Specs(ctx context.Context) ([]llm.ToolSpec, error) {
	specs := r.local.Specs()
	if r.remote == nil {
		return specs, nil
	}
	servers, err := r.remote.GetAllTools(ctx)
	if err != nil {
		return specs, fmt.Errorf("list remote tools: %w", err)
	}
	var names []string
	for _, st := range servers {
		for _, td := range st.Tools {
			specs = append(specs, llm.ToolSpec{
				Name:        td.Name,
				Description: td.Description,
				Schema:      td.Schema,
			})
			names = append(names, td.Name)
		}
	}
	r.mu.Lock()
	r.knownNames = names
	r.mu.Unlock()
	return specs, nil
}

func (r *Router) suggest(name string) []string {
	r.mu.Lock()
	candidates := append(r.local.Names(), r.knownNames...)
	r.mu.Unlock()

	matches := fuzzy.Find(name, candidates)
	out := make([]string, 0, 3)
	for _, m := range matches {
		if len(out) == cap(out) {
			break
		}
		out = append(out, m.Str)
	}
	return out
}

func decodeArgs(raw json.RawMessage) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func compactJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "null", nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return "", fmt.Errorf("tool returned invalid JSON: %w", err)
	}
	return buf.String(), nil
}
