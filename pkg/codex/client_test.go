package codex

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/devboard/devboard/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeAgent is a scripted peer: the test reads client requests from inbox and
// writes agent output into the client's stdout.
type fakeAgent struct {
	client *Client
	out    *io.PipeWriter // agent → client stdout
	inbox  chan map[string]interface{}
	cancel context.CancelFunc
}

func newFakeAgent(t *testing.T) *fakeAgent {
	t.Helper()

	inR, inW := io.Pipe()   // client stdin → agent
	outR, outW := io.Pipe() // agent stdout → client

	client := NewClient(inW, outR, testLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	client.Start(ctx)

	a := &fakeAgent{client: client, out: outW, inbox: make(chan map[string]interface{}, 16), cancel: cancel}

	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
			var msg map[string]interface{}
			if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
				continue
			}
			a.inbox <- msg
		}
		close(a.inbox)
	}()

	t.Cleanup(func() {
		client.Close()
		cancel()
		_ = outW.Close()
	})
	return a
}

// recv returns the next message the client sent, failing the test on timeout.
func (a *fakeAgent) recv(t *testing.T) map[string]interface{} {
	t.Helper()
	select {
	case msg, ok := <-a.inbox:
		if !ok {
			t.Fatal("client stdin closed unexpectedly")
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client message")
		return nil
	}
}

func (a *fakeAgent) send(t *testing.T, line string) {
	t.Helper()
	if _, err := a.out.Write([]byte(line + "\n")); err != nil {
		t.Fatalf("agent write failed: %v", err)
	}
}

func TestCallCorrelatesResponseByID(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	var resp *Response
	go func() {
		var err error
		resp, err = a.client.Call(context.Background(), "thread/start", map[string]string{"cwd": "/tmp"})
		done <- err
	}()

	req := a.recv(t)
	if req["method"] != "thread/start" {
		t.Fatalf("expected thread/start, got %v", req["method"])
	}
	id := int64(req["id"].(float64))

	// An unrelated response id first; the call must keep waiting.
	a.send(t, fmt.Sprintf(`{"id":%d,"result":{"ignored":true}}`, id+100))
	a.send(t, fmt.Sprintf(`{"id":%d,"result":{"thread":{"id":"th-1"}}}`, id))

	if err := <-done; err != nil {
		t.Fatalf("call failed: %v", err)
	}
	if !strings.Contains(string(resp.Result), "th-1") {
		t.Errorf("wrong response correlated: %s", resp.Result)
	}
}

func TestApprovalRequestsAreAcceptedAndForwarded(t *testing.T) {
	a := newFakeAgent(t)

	for _, method := range []string{NotifyItemCmdExecRequestApproval, NotifyItemFileChangeRequestApproval} {
		a.send(t, fmt.Sprintf(`{"id":77,"method":"%s","params":{"itemId":"item-1"}}`, method))

		reply := a.recv(t)
		var decision ApprovalResponse
		raw, _ := json.Marshal(reply["result"])
		if err := json.Unmarshal(raw, &decision); err != nil || decision.Decision != "accept" {
			t.Errorf("%s: expected accept decision, got %v", method, reply["result"])
		}

		select {
		case n := <-a.client.Notifications():
			if n.Method != method {
				t.Errorf("expected forwarded %s, got %s", method, n.Method)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s never forwarded to consumer", method)
		}
	}
}

func TestUnknownServerRequestGetsMethodNotFound(t *testing.T) {
	a := newFakeAgent(t)

	a.send(t, `{"id":5,"method":"something/else","params":{}}`)

	reply := a.recv(t)
	errObj, ok := reply["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error response, got %v", reply)
	}
	if int(errObj["code"].(float64)) != MethodNotFound {
		t.Errorf("expected %d, got %v", MethodNotFound, errObj["code"])
	}
}

func TestNotificationsForwardedIncludingRawLines(t *testing.T) {
	a := newFakeAgent(t)

	a.send(t, `{"method":"turn/started","params":{"turnId":"turn-1"}}`)
	a.send(t, `plain text from the agent`)

	select {
	case n := <-a.client.Notifications():
		if n.Method != NotifyTurnStarted {
			t.Errorf("expected turn/started, got %q", n.Method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}

	select {
	case n := <-a.client.Notifications():
		if n.Method != "" || string(n.Raw) != "plain text from the agent" {
			t.Errorf("raw line mangled: method=%q raw=%q", n.Method, n.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("raw line never forwarded")
	}
}

func TestTurnTrackingFollowsNotifications(t *testing.T) {
	a := newFakeAgent(t)

	a.send(t, `{"method":"thread/started","params":{"threadId":"th-9"}}`)
	a.send(t, `{"method":"turn/started","params":{"turnId":"turn-9"}}`)
	<-a.client.Notifications()
	<-a.client.Notifications()

	if a.client.ThreadID() != "th-9" {
		t.Errorf("thread id not tracked: %q", a.client.ThreadID())
	}
	if a.client.CurrentTurnID() != "turn-9" {
		t.Errorf("turn id not tracked: %q", a.client.CurrentTurnID())
	}

	a.send(t, `{"method":"turn/completed","params":{}}`)
	<-a.client.Notifications()

	if a.client.CurrentTurnID() != "" {
		t.Errorf("turn id not cleared on completion: %q", a.client.CurrentTurnID())
	}
}

func TestCallTimesOut(t *testing.T) {
	inR, inW := io.Pipe()
	outR, _ := io.Pipe()
	defer func() { _ = inR.Close() }()

	client := NewClient(inW, outR, testLogger(t))
	client.SetRequestTimeout(50 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client.Start(ctx)
	defer client.Close()

	// Drain the request so the write does not block; never answer it.
	go func() {
		scanner := bufio.NewScanner(inR)
		for scanner.Scan() {
		}
	}()

	_, err := client.Call(context.Background(), "model/list", nil)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCloseRejectsPendingCalls(t *testing.T) {
	a := newFakeAgent(t)

	done := make(chan error, 1)
	go func() {
		_, err := a.client.Call(context.Background(), "model/list", nil)
		done <- err
	}()
	a.recv(t) // request is in flight

	a.client.Close()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "connection closed") {
			t.Fatalf("expected connection closed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never rejected")
	}
}

func TestStartTurnRequiresThread(t *testing.T) {
	a := newFakeAgent(t)

	if err := a.client.StartTurn(context.Background(), "hello"); err == nil {
		t.Fatal("expected error when no thread is active")
	}
}
