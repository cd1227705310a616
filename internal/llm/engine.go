package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionState is the phase of the turn a Session is consuming.
type SessionState int

const (
	StateIdle SessionState = iota
	StateStreaming
	StateFinalizing
	StateDone
	StateErrored
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("SessionState(%d)", int(s))
	}
}

// ErrSessionBusy is returned when Consume is called while a turn is in flight.
var ErrSessionBusy = errors.New("session is already consuming a stream")

// StreamError is a terminal failure of one streamed turn. No history is
// recorded for the turn.
type StreamError struct {
	Message string
	Err     error
}

func (e *StreamError) Error() string {
	return "stream error: " + e.Message
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Dispatcher executes tool calls on behalf of a Session. Implementations
// record the outcome in the ledger they are handed.
type Dispatcher interface {
	Dispatch(ctx context.Context, call ToolCall, ledger *Ledger) (string, error)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, call ToolCall, ledger *Ledger) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, call ToolCall, ledger *Ledger) (string, error) {
	return f(ctx, call, ledger)
}

// TurnResult is the finalized output of one streamed turn.
type TurnResult struct {
	Content   string
	Reasoning string
	ToolCalls []ToolCall
	// Messages holds the history entries appended for this turn: one
	// assistant message followed by one tool message per call.
	Messages []Message
	Ledger   *Ledger
	Usage    Usage
}

// Session consumes streamed turns and keeps the provider-agnostic history
// they produce. Events of a turn are processed in order by the goroutine
// calling Consume; only tool dispatch runs concurrently.
type Session struct {
	dispatcher Dispatcher
	logger     *zap.Logger

	mu      sync.Mutex
	state   SessionState
	history []Message
}

// NewSession returns a Session seeded with history.
func NewSession(dispatcher Dispatcher, logger *zap.Logger, history []Message) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		dispatcher: dispatcher,
		logger:     logger,
		history:    append([]Message(nil), history...),
	}
}

// State returns the state of the current or most recent turn.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// History returns a copy of the accumulated history.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.history...)
}

// Append adds messages that did not come from a stream, such as user input.
func (s *Session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, msgs...)
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Consume reads stream until its done or error event and finalizes the turn.
// Tool calls announced mid-stream are dispatched immediately; calls that only
// appear in the done event are dispatched before finalizing. onEvent, when
// set, observes every event in arrival order.
func (s *Session) Consume(ctx context.Context, stream Stream, onEvent func(Event)) (*TurnResult, error) {
	defer stream.Close()

	s.mu.Lock()
	if s.state == StateStreaming || s.state == StateFinalizing {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}
	s.state = StateStreaming
	s.mu.Unlock()

	t := &turn{
		session: s,
		ledger:  NewLedger(),
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	defer t.cancel()

	for {
		ev, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, t.fail(&StreamError{Message: "stream ended before completion"})
			}
			return nil, t.fail(&StreamError{Message: err.Error(), Err: err})
		}
		if onEvent != nil {
			onEvent(ev)
		}

		switch ev.Type {
		case EventStart:
		case EventTextDelta:
			t.appendText(ev)
		case EventReasoningDelta:
			t.reasoning.WriteString(ev.Text)
		case EventToolCall:
			if ev.Tool == nil {
				continue
			}
			call := *ev.Tool
			if call.ID == "" {
				call = withCallID(call)
				t.unnamed = append(t.unnamed, call)
			}
			if t.ledger.RecordCall(call) {
				t.dispatch(call)
			}
		case EventUsage:
			if ev.Use != nil {
				t.usage.InputTokens += ev.Use.InputTokens
				t.usage.OutputTokens += ev.Use.OutputTokens
			}
		case EventDone:
			return t.finalize(ev), nil
		case EventError:
			msg := "unknown error"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			return nil, t.fail(&StreamError{Message: msg, Err: ev.Err})
		}
	}
}

// turn holds the per-turn state of a Consume call.
type turn struct {
	session *Session
	ledger  *Ledger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	text      strings.Builder
	reasoning strings.Builder
	usage     Usage

	// unnamed are mid-stream calls that arrived without an id, in arrival
	// order. An id-less call repeated in the done event reuses their id.
	unnamed []ToolCall
}

func (t *turn) appendText(ev Event) {
	t.text.WriteString(ev.Text)
	if ev.Accumulated != "" && ev.Accumulated != t.text.String() {
		t.session.logger.Debug("accumulated text diverged from deltas",
			zap.Int("accumulated_len", len(ev.Accumulated)),
			zap.Int("deltas_len", t.text.Len()))
	}
}

func (t *turn) dispatch(call ToolCall) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		out, err := t.session.dispatcher.Dispatch(t.ctx, call, t.ledger)
		if err != nil {
			t.ledger.RecordFailure(call.ID, err)
			t.session.logger.Debug("tool call failed",
				zap.String("call_id", call.ID),
				zap.String("tool", call.Name),
				zap.Error(err))
			return
		}
		t.ledger.RecordResult(call.ID, out)
	}()
}

func (t *turn) fail(err *StreamError) error {
	t.cancel()
	t.wg.Wait()
	t.session.setState(StateErrored)
	return err
}

func (t *turn) finalize(ev Event) *TurnResult {
	t.session.setState(StateFinalizing)

	announced := make([]ToolCall, 0, len(ev.ToolCalls))
	for _, call := range ev.ToolCalls {
		if call.ID == "" {
			call = t.claimUnnamed(call)
		}
		announced = append(announced, call)
	}
	calls, added := t.ledger.ReconcileWithEndOfStream(announced)
	for _, call := range added {
		t.dispatch(call)
	}
	t.wg.Wait()

	content := ev.FinalResponse
	if content == "" {
		content = t.text.String()
	}

	msgs := make([]Message, 0, len(calls)+1)
	msgs = append(msgs, AssistantMessage(content, calls))
	for _, call := range calls {
		if out, ok := t.ledger.Result(call.ID); ok {
			msgs = append(msgs, ToolResultMessage(call.ID, call.Name, out, call.ThoughtSig))
			continue
		}
		errText := "tool call did not complete"
		if err, ok := t.ledger.Failure(call.ID); ok && err != nil {
			errText = "Error: " + err.Error()
		}
		msgs = append(msgs, ToolErrorMessage(call.ID, call.Name, errText, call.ThoughtSig))
	}

	s := t.session
	s.mu.Lock()
	s.history = append(s.history, msgs...)
	s.state = StateDone
	s.mu.Unlock()

	return &TurnResult{
		Content:   content,
		Reasoning: t.reasoning.String(),
		ToolCalls: calls,
		Messages:  msgs,
		Ledger:    t.ledger,
		Usage:     t.usage,
	}
}

// claimUnnamed returns call with the id given to the first unclaimed
// mid-stream call of the same name and arguments, or a fresh id.
func (t *turn) claimUnnamed(call ToolCall) ToolCall {
	args := canonicalArgs(call.Arguments)
	for i, seen := range t.unnamed {
		if seen.Name == call.Name && bytes.Equal(canonicalArgs(seen.Arguments), args) {
			t.unnamed = append(t.unnamed[:i], t.unnamed[i+1:]...)
			call.ID = seen.ID
			return call
		}
	}
	return withCallID(call)
}

// canonicalArgs compacts raw so that formatting differences between the
// streamed and final forms of a call do not matter. Empty means {}.
func canonicalArgs(raw json.RawMessage) []byte {
	if len(bytes.TrimSpace(raw)) == 0 {
		return []byte("{}")
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}

// withCallID gives call an id when the producer did not supply one.
func withCallID(call ToolCall) ToolCall {
	if call.ID == "" {
		call.ID = "call_" + uuid.NewString()
	}
	return call
}
