package llm

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLedger_ReconcileWithEndOfStream(t *testing.T) {
	l := NewLedger()
	c1 := ToolCall{ID: "C1", Name: "a"}
	c2 := ToolCall{ID: "C2", Name: "b"}
	require.True(t, l.RecordCall(c1))

	all, added := l.ReconcileWithEndOfStream([]ToolCall{c1, c2})
	assert.Equal(t, []ToolCall{c1, c2}, all)
	assert.Equal(t, []ToolCall{c2}, added)
	assert.Equal(t, 2, l.Len())

	all, added = l.ReconcileWithEndOfStream([]ToolCall{c2, c1})
	assert.Len(t, all, 2)
	assert.Empty(t, added)
}

func TestLedger_DuplicatesAreNoOps(t *testing.T) {
	l := NewLedger()
	require.True(t, l.RecordCall(ToolCall{ID: "x", Name: "first"}))
	assert.False(t, l.RecordCall(ToolCall{ID: "x", Name: "second"}))
	assert.Equal(t, "first", l.AllCalls()[0].Name, "a duplicate never overwrites")

	require.True(t, l.RecordResult("x", "one"))
	assert.False(t, l.RecordResult("x", "two"))
	assert.False(t, l.RecordFailure("x", errors.New("late")))
	got, ok := l.Result("x")
	assert.True(t, ok)
	assert.Equal(t, "one", got)
}

func TestLedger_FailureIsNotAResult(t *testing.T) {
	l := NewLedger()
	l.RecordCall(ToolCall{ID: "x"})
	require.True(t, l.RecordFailure("x", errors.New("timeout")))

	assert.True(t, l.HasCall("x"))
	assert.False(t, l.HasResult("x"))
	assert.False(t, l.RecordResult("x", "late result"))
	_, ok := l.Failure("x")
	assert.True(t, ok)
}

func TestLedger_ConcurrentInserts(t *testing.T) {
	l := NewLedger()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%d", i%10)
			l.RecordCall(ToolCall{ID: id})
			l.RecordResult(id, "r")
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 10, l.Len())
}
