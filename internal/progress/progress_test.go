package progress

import (
	"bufio"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"packsmith/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func drain(s *Stream) []Event {
	var out []Event
	for e := range s.Events() {
		out = append(out, e)
	}
	return out
}

func TestSequenceMonotonic(t *testing.T) {
	s := NewStream(8)
	s.Emit("plan", "planning")
	s.Emit("retrieve", "searching")
	s.Complete(map[string]int{"mods": 3})

	events := drain(s)
	require.Len(t, events, 3)
	for i := 1; i < len(events); i++ {
		assert.Greater(t, events[i].Seq, events[i-1].Seq)
	}
}

func TestExactlyOneTerminalEvent(t *testing.T) {
	s := NewStream(8)
	s.Emit("plan", "planning")
	s.Complete(nil)
	s.Fail(types.CodeInternal, "too late")
	s.Complete(nil)
	s.Emit("after", "ignored")

	events := drain(s)
	terminals := 0
	for _, e := range events {
		if e.Terminal() {
			terminals++
			assert.Equal(t, EventComplete, e.Type)
		}
	}
	assert.Equal(t, 1, terminals)
	assert.True(t, events[len(events)-1].Terminal())
}

func TestTerminalSurvivesFullBuffer(t *testing.T) {
	s := NewStream(2)
	for i := 0; i < 10; i++ {
		s.Emit("stage", "flood")
	}
	s.Fail(types.CodeLLMTimeout, "deadline")

	events := drain(s)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, types.CodeLLMTimeout, last.Code)
}

func TestFullBufferDropsProgressNotTerminal(t *testing.T) {
	s := NewStream(2)
	for i := 0; i < 10; i++ {
		s.Emit("stage", "flood")
	}
	s.Complete(nil)

	events := drain(s)
	// Only the buffer's worth of events plus the terminal survive.
	assert.LessOrEqual(t, len(events), 3)
}

func TestServeSSEWritesEventsAndTerminates(t *testing.T) {
	s := NewStream(8)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Emit("plan", "planning queries")
		s.Complete(map[string]string{"status": "ok"})
	}()

	terminal, err := ServeSSE(context.Background(), rec, s)
	<-done
	require.NoError(t, err)
	require.NotNil(t, terminal)
	assert.Equal(t, EventComplete, terminal.Type)

	res := rec.Result()
	defer res.Body.Close()
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	var eventLines, dataLines int
	sc := bufio.NewScanner(res.Body)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLines++
		}
		if strings.HasPrefix(line, "data: ") {
			dataLines++
		}
	}
	assert.Equal(t, 2, eventLines)
	assert.Equal(t, 2, dataLines)
}

func TestServeSSEStopsOnContextCancel(t *testing.T) {
	s := NewStream(8)
	rec := httptest.NewRecorder()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := ServeSSE(ctx, rec, s)
		errCh <- err
	}()

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("ServeSSE did not return after cancellation")
	}
	// Unblock any producer side cleanly.
	s.Complete(nil)
	drain(s)
}
