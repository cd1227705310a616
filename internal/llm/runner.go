package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const defaultMaxTurns = 20

func getMaxTurns(req Request) int {
	if req.MaxTurns > 0 {
		return req.MaxTurns
	}
	return defaultMaxTurns
}

// TurnMetrics contains metrics collected during a turn.
type TurnMetrics struct {
	InputTokens  int
	OutputTokens int
	ToolCalls    int
}

// TurnCompletedCallback is called after each turn completes with the messages
// generated during that turn. turnIndex is 0-based.
type TurnCompletedCallback func(ctx context.Context, turnIndex int, messages []Message, metrics TurnMetrics) error

// Runner drives a Session through model turns until the model answers
// without calling tools.
type Runner struct {
	provider Provider
	session  *Session
	logger   *zap.Logger

	onTurnCompleted TurnCompletedCallback
}

func NewRunner(provider Provider, session *Session, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{provider: provider, session: session, logger: logger}
}

// SetTurnCompletedCallback sets the callback run after every finalized turn.
// Used for incremental conversation saving.
func (r *Runner) SetTurnCompletedCallback(cb TurnCompletedCallback) {
	r.onTurnCompleted = cb
}

// Run appends req.Messages to the session history and streams turns, each
// sent with the full history, until a turn has no tool calls. It returns
// the last turn's result.
func (r *Runner) Run(ctx context.Context, req Request, onEvent func(Event)) (*TurnResult, error) {
	r.session.Append(req.Messages...)
	maxTurns := getMaxTurns(req)

	for attempt := 0; attempt < maxTurns; attempt++ {
		turnReq := req
		turnReq.Messages = r.session.History()
		if attempt > 0 {
			turnReq.ToolChoice = ToolChoice{Mode: ToolChoiceAuto}
		}

		stream, err := r.provider.Stream(ctx, turnReq)
		if err != nil {
			return nil, fmt.Errorf("%s stream: %w", r.provider.Name(), err)
		}
		res, err := r.session.Consume(ctx, stream, onEvent)
		if err != nil {
			return nil, err
		}

		r.logger.Debug("turn completed",
			zap.String("provider", r.provider.Name()),
			zap.Int("turn", attempt),
			zap.Int("tool_calls", len(res.ToolCalls)))

		if r.onTurnCompleted != nil {
			metrics := TurnMetrics{
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
				ToolCalls:    len(res.ToolCalls),
			}
			if err := r.onTurnCompleted(ctx, attempt, res.Messages, metrics); err != nil {
				r.logger.Warn("turn callback failed", zap.Int("turn", attempt), zap.Error(err))
			}
		}

		if len(res.ToolCalls) == 0 {
			return res, nil
		}
	}
	return nil, fmt.Errorf("agentic loop exceeded max turns (%d)", maxTurns)
}
