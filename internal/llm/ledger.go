package llm

import "sync"

// Ledger records the tool calls seen during one streaming turn and the
// results they produced. Each call id is recorded at most once and gets at
// most one outcome, either a result or a failure. Safe for concurrent use.
type Ledger struct {
	mu       sync.Mutex
	order    []string
	calls    map[string]ToolCall
	results  map[string]string
	failures map[string]error
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		calls:    make(map[string]ToolCall),
		results:  make(map[string]string),
		failures: make(map[string]error),
	}
}

// RecordCall stores call and reports whether it was new.
func (l *Ledger) RecordCall(call ToolCall) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.calls[call.ID]; ok {
		return false
	}
	l.calls[call.ID] = call
	l.order = append(l.order, call.ID)
	return true
}

// RecordResult stores the result for id. Only the first outcome sticks.
func (l *Ledger) RecordResult(id, content string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasOutcomeLocked(id) {
		return false
	}
	l.results[id] = content
	return true
}

// RecordFailure marks id as failed. A failed call stays called but never
// counts as resulted.
func (l *Ledger) RecordFailure(id string, err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.hasOutcomeLocked(id) {
		return false
	}
	l.failures[id] = err
	return true
}

func (l *Ledger) hasOutcomeLocked(id string) bool {
	if _, ok := l.results[id]; ok {
		return true
	}
	_, ok := l.failures[id]
	return ok
}

func (l *Ledger) HasCall(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.calls[id]
	return ok
}

func (l *Ledger) HasResult(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.results[id]
	return ok
}

func (l *Ledger) Result(id string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	content, ok := l.results[id]
	return content, ok
}

func (l *Ledger) Failure(id string) (error, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err, ok := l.failures[id]
	return err, ok
}

// AllCalls returns the recorded calls in insertion order.
func (l *Ledger) AllCalls() []ToolCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ToolCall, 0, len(l.order))
	for _, id := range l.order {
		out = append(out, l.calls[id])
	}
	return out
}

// Len returns the number of recorded calls.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}

// ReconcileWithEndOfStream records the calls announced at stream end that
// were not already present. It returns the full deduplicated call set and,
// separately, the calls it added; only those still need dispatch.
func (l *Ledger) ReconcileWithEndOfStream(calls []ToolCall) (all, added []ToolCall) {
	for _, call := range calls {
		if l.RecordCall(call) {
			added = append(added, call)
		}
	}
	return l.AllCalls(), added
}
