package process

import (
	"io"
	"testing"
	"time"

	"github.com/devboard/devboard/internal/common/logger"
	"github.com/devboard/devboard/internal/executor"
	"github.com/devboard/devboard/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// newTestProcess returns a synthetic process whose exit is driven by the test.
func newTestProcess(t *testing.T) *executor.Process {
	t.Helper()
	outR, outW := io.Pipe()
	proc := executor.NewSyntheticProcess(nil, outR, nil)
	t.Cleanup(func() {
		_ = outW.Close()
		proc.Finish(0)
	})
	return proc
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(testLogger(t), WithAutoCleanupDelay(50*time.Millisecond), WithGCInterval(time.Hour))
	t.Cleanup(m.Stop)
	return m
}

func TestRegisterAndGet(t *testing.T) {
	m := newTestManager(t)
	proc := newTestProcess(t)

	mp := m.Register("exec-1", "issue-1", "echo", proc, 3)
	if mp.State() != StateRunning {
		t.Errorf("expected running state, got %s", mp.State())
	}
	if !mp.TurnInFlight() {
		t.Error("expected turn in flight after registration")
	}
	if mp.TurnIndex() != 3 {
		t.Errorf("expected turn index 3, got %d", mp.TurnIndex())
	}

	got, ok := m.Get("exec-1")
	if !ok || got != mp {
		t.Fatal("Get did not return the registered process")
	}
}

func TestGroupQueries(t *testing.T) {
	m := newTestManager(t)

	m.Register("exec-1", "issue-1", "echo", newTestProcess(t), 0)
	m.Register("exec-2", "issue-1", "echo", newTestProcess(t), 1)
	m.Register("exec-3", "issue-2", "echo", newTestProcess(t), 0)

	if got := len(m.GetGroup("issue-1")); got != 2 {
		t.Errorf("expected 2 processes in group, got %d", got)
	}
	if !m.HasActiveInGroup("issue-1") {
		t.Error("expected active process in group")
	}

	m.MarkCompleted("exec-1")
	m.MarkFailed("exec-2")
	if m.HasActiveInGroup("issue-1") {
		t.Error("expected no active process after terminal transitions")
	}
	if !m.HasActiveInGroup("issue-2") {
		t.Error("issue-2 should be unaffected")
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	m := newTestManager(t)
	m.Register("exec-1", "issue-1", "echo", newTestProcess(t), 0)

	if !m.TransitionState("exec-1", StateCompleted) {
		t.Fatal("first terminal transition should succeed")
	}
	if m.TransitionState("exec-1", StateFailed) {
		t.Error("terminal state must not change again")
	}

	mp, _ := m.Get("exec-1")
	if mp.State() != StateCompleted {
		t.Errorf("expected completed, got %s", mp.State())
	}
	if mp.FinishedAt.IsZero() {
		t.Error("expected FinishedAt set on terminal transition")
	}
}

func TestAutoCleanupRemovesTerminalEntries(t *testing.T) {
	m := newTestManager(t)
	m.Register("exec-1", "issue-1", "echo", newTestProcess(t), 0)
	m.MarkCompleted("exec-1")

	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := m.Get("exec-1"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("terminal entry was never cleaned up")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if len(m.GetGroup("issue-1")) != 0 {
		t.Error("group index not cleaned")
	}
}

func TestTerminateKillsAfterTimeout(t *testing.T) {
	m := NewManager(testLogger(t), WithKillTimeout(30*time.Millisecond), WithGCInterval(time.Hour))
	t.Cleanup(m.Stop)

	outR, outW := io.Pipe()
	proc := executor.NewSyntheticProcess(nil, outR, nil)
	t.Cleanup(func() { _ = outW.Close() })
	m.Register("exec-1", "issue-1", "echo", proc, 0)

	softCalled := false
	m.Terminate("exec-1", func(mp *ManagedProcess) { softCalled = true })

	if !softCalled {
		t.Error("soft cancel callback not invoked")
	}
	select {
	case <-proc.Exited():
	case <-time.After(time.Second):
		t.Fatal("process not killed after timeout")
	}
}

func TestPendingInputQueue(t *testing.T) {
	m := newTestManager(t)
	mp := m.Register("exec-1", "issue-1", "echo", newTestProcess(t), 0)

	mp.EnqueueInput(PendingInput{Prompt: "first", MessageID: "m1"})
	mp.EnqueueInput(PendingInput{Prompt: "second", MessageID: "m2"})

	if !mp.HasPendingInputs() {
		t.Fatal("expected pending inputs")
	}
	in, ok := mp.DequeueInput()
	if !ok || in.Prompt != "first" {
		t.Fatalf("expected first input, got %+v ok=%v", in, ok)
	}
	rest := mp.DrainInputs()
	if len(rest) != 1 || rest[0].Prompt != "second" {
		t.Fatalf("expected [second], got %+v", rest)
	}
	if mp.HasPendingInputs() {
		t.Error("queue should be empty after drain")
	}
}

func TestEntryBufferEvictsOldest(t *testing.T) {
	b := NewEntryBuffer(3)
	for i := 0; i < 5; i++ {
		b.Add(&store.LogEntry{EntryIndex: i})
	}

	if b.Count() != 3 {
		t.Fatalf("expected count 3, got %d", b.Count())
	}
	all := b.GetAll()
	for i, entry := range all {
		if entry.EntryIndex != i+2 {
			t.Errorf("entry %d: expected index %d, got %d", i, i+2, entry.EntryIndex)
		}
	}

	last := b.GetLast(2)
	if len(last) != 2 || last[0].EntryIndex != 3 || last[1].EntryIndex != 4 {
		t.Errorf("GetLast(2) wrong: %+v", last)
	}
}

func TestRemoveCleansGroupIndex(t *testing.T) {
	m := newTestManager(t)
	m.Register("exec-1", "issue-1", "echo", newTestProcess(t), 0)
	m.Register("exec-2", "issue-1", "echo", newTestProcess(t), 1)

	m.Remove("exec-1")
	if _, ok := m.Get("exec-1"); ok {
		t.Error("removed process still present")
	}
	if got := len(m.GetGroup("issue-1")); got != 1 {
		t.Errorf("expected 1 process left in group, got %d", got)
	}

	m.Remove("exec-2")
	if len(m.GetGroup("issue-1")) != 0 {
		t.Error("group index should be empty")
	}
}
