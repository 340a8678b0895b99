package bridge

import (
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/claude-bridge/store"
)

// fakeCLI records every NDJSON line sent toward the subprocess.
type fakeCLI struct {
	mu     sync.Mutex
	lines  [][]byte
	closed bool
}

func (f *fakeCLI) SendLine(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := make([]byte, len(frame))
	copy(line, frame)
	f.lines = append(f.lines, line)
	return nil
}

func (f *fakeCLI) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeCLI) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.lines))
	copy(out, f.lines)
	return out
}

func createTestBridge(t *testing.T) (*Bridge, *store.FileStore) {
	t.Helper()
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(st.Close)
	return New(st), st
}

// nextFrame reads one frame from a client with a timeout and decodes it.
func nextFrame(t *testing.T, c *Client) map[string]any {
	t.Helper()
	select {
	case data, ok := <-c.Send:
		if !ok {
			t.Fatal("client send channel closed")
		}
		var frame map[string]any
		if err := json.Unmarshal(data, &frame); err != nil {
			t.Fatalf("bad frame %s: %v", data, err)
		}
		return frame
	case <-time.After(time.Second):
		t.Fatal("no frame within timeout")
		return nil
	}
}

func frameType(frame map[string]any) string {
	typ, _ := frame["type"].(string)
	return typ
}

func TestBasicRoundTrip(t *testing.T) {
	b, st := createTestBridge(t)
	const id = "session-1"

	client := b.AttachBrowser(id)

	// Snapshot before any subprocess: session_init then cli_disconnected.
	if typ := frameType(nextFrame(t, client)); typ != "session_init" {
		t.Fatalf("expected session_init, got %s", typ)
	}
	if typ := frameType(nextFrame(t, client)); typ != "cli_disconnected" {
		t.Fatalf("expected cli_disconnected, got %s", typ)
	}

	cli := &fakeCLI{}
	b.AttachCLI(id, cli)
	if typ := frameType(nextFrame(t, client)); typ != "cli_connected" {
		t.Fatalf("expected cli_connected, got %s", typ)
	}

	b.HandleCLIData(id, []byte(`{"type":"system","subtype":"init","session_id":"up-1","model":"m1","cwd":"/w","tools":["R"],"permissionMode":"default","version":"1"}`))

	init := nextFrame(t, client)
	if frameType(init) != "session_init" {
		t.Fatalf("expected session_init, got %s", frameType(init))
	}
	session := init["session"].(map[string]any)
	if session["id"] != id {
		t.Errorf("state id must stay launcher-assigned, got %v", session["id"])
	}
	if session["model"] != "m1" || session["cwd"] != "/w" {
		t.Errorf("state not updated from init: %v", session)
	}

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"hi"}`))

	sent := cli.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 subprocess frame, got %d", len(sent))
	}
	var user map[string]any
	json.Unmarshal(sent[0], &user)
	if user["type"] != "user" {
		t.Errorf("expected user frame, got %v", user)
	}
	msg := user["message"].(map[string]any)
	if msg["role"] != "user" || msg["content"] != "hi" {
		t.Errorf("unexpected user message: %v", msg)
	}
	if user["session_id"] != "up-1" {
		t.Errorf("user frame should carry the upstream session id, got %v", user["session_id"])
	}

	b.HandleCLIData(id, []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello"}]}}`))
	assistant := nextFrame(t, client)
	if frameType(assistant) != "assistant" {
		t.Fatalf("expected assistant, got %s", frameType(assistant))
	}

	st.Flush()
	data, ok := st.Load(id)
	if !ok {
		t.Fatal("session not persisted")
	}
	if len(data.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(data.History))
	}
	if data.History[0].Type != store.HistoryUserMessage || data.History[0].Content != "hi" {
		t.Errorf("unexpected first entry: %+v", data.History[0])
	}
	if data.History[1].Type != store.HistoryAssistant {
		t.Errorf("unexpected second entry: %+v", data.History[1])
	}
}

func TestQueueBeforeAttach(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-q"

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"first"}`))
	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"second"}`))

	cli := &fakeCLI{}
	b.AttachCLI(id, cli)

	sent := cli.sent()
	if len(sent) != 2 {
		t.Fatalf("expected 2 flushed frames, got %d", len(sent))
	}
	if !strings.Contains(string(sent[0]), "first") || !strings.Contains(string(sent[1]), "second") {
		t.Errorf("queue flush out of order: %s, %s", sent[0], sent[1])
	}
}

func TestPermissionDeny(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-p"

	cli := &fakeCLI{}
	b.AttachCLI(id, cli)
	client := b.AttachBrowser(id)
	// Drain the snapshot.
	nextFrame(t, client)

	b.HandleCLIData(id, []byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"rm /"}}}`))

	frame := nextFrame(t, client)
	if frameType(frame) != "permission_request" {
		t.Fatalf("expected permission_request, got %s", frameType(frame))
	}
	req := frame["request"].(map[string]any)
	if req["requestId"] != "r1" || req["toolName"] != "Bash" {
		t.Errorf("unexpected request payload: %v", req)
	}

	b.HandleBrowserData(id, []byte(`{"type":"permission_response","requestId":"r1","behavior":"deny","message":"no"}`))

	sent := cli.sent()
	if len(sent) != 1 {
		t.Fatalf("expected 1 control_response, got %d", len(sent))
	}
	var resp map[string]any
	json.Unmarshal(sent[0], &resp)
	body := resp["response"].(map[string]any)
	if body["request_id"] != "r1" {
		t.Errorf("wrong request id: %v", body)
	}
	inner := body["response"].(map[string]any)
	if inner["behavior"] != "deny" || inner["message"] != "no" {
		t.Errorf("unexpected deny payload: %v", inner)
	}

	// A second response for the same request must not reach the subprocess.
	b.HandleBrowserData(id, []byte(`{"type":"permission_response","requestId":"r1","behavior":"allow"}`))
	if len(cli.sent()) != 1 {
		t.Error("duplicate permission response forwarded")
	}
}

func TestCrashMidPermission(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-c"

	cli := &fakeCLI{}
	b.AttachCLI(id, cli)
	client := b.AttachBrowser(id)
	nextFrame(t, client) // session_init

	b.HandleCLIData(id, []byte(`{"type":"control_request","request_id":"r9","request":{"subtype":"can_use_tool","tool_name":"Write"}}`))
	if typ := frameType(nextFrame(t, client)); typ != "permission_request" {
		t.Fatalf("expected permission_request, got %s", typ)
	}

	b.DetachCLI(id, cli)

	cancelled := nextFrame(t, client)
	if frameType(cancelled) != "permission_cancelled" || cancelled["request_id"] != "r9" {
		t.Fatalf("expected permission_cancelled r9, got %v", cancelled)
	}
	if typ := frameType(nextFrame(t, client)); typ != "cli_disconnected" {
		t.Fatalf("expected cli_disconnected, got %s", typ)
	}
}

func TestStreamEventsNotPersisted(t *testing.T) {
	b, st := createTestBridge(t)
	const id = "session-s"

	client := b.AttachBrowser(id)
	nextFrame(t, client) // session_init
	nextFrame(t, client) // cli_disconnected

	b.HandleCLIData(id, []byte(`{"type":"stream_event","event":{"delta":"tok"}}`))
	if typ := frameType(nextFrame(t, client)); typ != "stream_event" {
		t.Fatalf("expected stream_event, got %s", typ)
	}

	st.Flush()
	if data, ok := st.Load(id); ok && len(data.History) != 0 {
		t.Errorf("stream events must not be persisted, history=%d", len(data.History))
	}
}

func TestArchivedSessionRejectsUserMessage(t *testing.T) {
	b, st := createTestBridge(t)
	const id = "session-a"

	b.RestoreSession(id, store.DefaultState(id), nil, true)

	client := b.AttachBrowser(id)
	nextFrame(t, client) // session_init
	nextFrame(t, client) // cli_disconnected

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"hi"}`))

	frame := nextFrame(t, client)
	if frameType(frame) != "error" {
		t.Fatalf("expected error broadcast, got %v", frame)
	}

	st.Flush()
	if data, ok := st.Load(id); ok && len(data.History) != 0 {
		t.Error("archived session must not append history")
	}
}

func TestRestoreReplaysStateAndHistory(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-r"

	state := store.DefaultState(id)
	state.Model = "m2"
	history := []store.HistoryEntry{
		{Type: store.HistoryUserMessage, Content: "hello"},
		{Type: store.HistoryAssistant, Message: json.RawMessage(`{"content":[]}`)},
	}
	b.RestoreSession(id, state, history, false)

	client := b.AttachBrowser(id)

	init := nextFrame(t, client)
	if frameType(init) != "session_init" {
		t.Fatalf("expected session_init, got %s", frameType(init))
	}
	if init["session"].(map[string]any)["model"] != "m2" {
		t.Error("restored state not replayed")
	}

	replay := nextFrame(t, client)
	if frameType(replay) != "message_history" {
		t.Fatalf("expected message_history, got %s", frameType(replay))
	}
	if msgs := replay["messages"].([]any); len(msgs) != 2 {
		t.Errorf("expected 2 replayed messages, got %d", len(msgs))
	}

	// History already contains a user_message, so the naming hook must not
	// fire again on the next message.
	named := make(chan string, 1)
	b.SetHooks(Hooks{FirstUserMessage: func(sessionID, content string) { named <- content }})
	nextFrame(t, client) // cli_disconnected

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"again"}`))
	select {
	case <-named:
		t.Error("naming hook fired for a restored session with prior user messages")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestFirstMessageHook(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-n"

	named := make(chan string, 1)
	b.SetHooks(Hooks{FirstUserMessage: func(sessionID, content string) { named <- content }})

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"name me"}`))
	select {
	case content := <-named:
		if content != "name me" {
			t.Errorf("unexpected hook content %q", content)
		}
	case <-time.After(time.Second):
		t.Fatal("naming hook never fired")
	}

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"second"}`))
	select {
	case <-named:
		t.Error("naming hook fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExternalHandlerReceivesBrowserFrames(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-x"

	received := make(chan []byte, 1)
	b.RegisterExternalHandler(id, func(sessionID string, message []byte) {
		received <- message
	})

	client := b.AttachBrowser(id)
	// With a handler registered the snapshot must not claim cli_disconnected.
	if typ := frameType(nextFrame(t, client)); typ != "session_init" {
		t.Fatalf("expected session_init, got %s", typ)
	}
	select {
	case frame := <-client.Send:
		t.Fatalf("unexpected extra snapshot frame: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}

	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"to handler"}`))
	select {
	case raw := <-received:
		if !strings.Contains(string(raw), "to handler") {
			t.Errorf("handler got wrong frame: %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatal("handler never invoked")
	}

	b.InjectToBrowsers(id, []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"from handler"}]}}`))
	if typ := frameType(nextFrame(t, client)); typ != "assistant" {
		t.Fatalf("expected injected assistant frame, got %s", typ)
	}
}

func TestResultUpdatesStateAndFiresWebhook(t *testing.T) {
	b, st := createTestBridge(t)
	const id = "session-w"

	fired := make(chan string, 1)
	b.SetHooks(Hooks{Result: func(sessionID string) { fired <- sessionID }})

	b.HandleCLIData(id, []byte(`{"type":"result","total_cost_usd":0.42,"num_turns":3,"modelUsage":{"m1":{"inputTokens":500,"outputTokens":500,"contextWindow":2000}}}`))

	select {
	case got := <-fired:
		if got != id {
			t.Errorf("webhook hook got %s", got)
		}
	case <-time.After(time.Second):
		t.Fatal("result hook never fired")
	}

	state := b.GetState(id)
	if state.TotalCostUSD != 0.42 || state.NumTurns != 3 {
		t.Errorf("state not updated: %+v", state)
	}
	if state.ContextUsedPercent != 50 {
		t.Errorf("expected derived context 50%%, got %d", state.ContextUsedPercent)
	}

	st.Flush()
	data, _ := st.Load(id)
	if len(data.History) != 1 || data.History[0].Type != store.HistoryResult {
		t.Errorf("result not in history: %+v", data.History)
	}
}

func TestSessionIsolation(t *testing.T) {
	b, _ := createTestBridge(t)

	cliA := &fakeCLI{}
	b.AttachCLI("a", cliA)
	clientB := b.AttachBrowser("b")
	nextFrame(t, clientB) // session_init
	nextFrame(t, clientB) // cli_disconnected

	b.HandleBrowserData("a", []byte(`{"type":"user_message","content":"only a"}`))

	if len(cliA.sent()) != 1 {
		t.Fatal("session a did not receive its frame")
	}
	select {
	case frame := <-clientB.Send:
		t.Fatalf("session b received session a's traffic: %s", frame)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSupersedingCLIAttach(t *testing.T) {
	b, _ := createTestBridge(t)
	const id = "session-2x"

	first := &fakeCLI{}
	second := &fakeCLI{}
	b.AttachCLI(id, first)
	b.AttachCLI(id, second)

	first.mu.Lock()
	closed := first.closed
	first.mu.Unlock()
	if !closed {
		t.Error("superseded socket should be closed")
	}

	// Detach of the stale socket must not clear the current one.
	b.DetachCLI(id, first)
	b.HandleBrowserData(id, []byte(`{"type":"user_message","content":"x"}`))
	if len(second.sent()) != 1 {
		t.Error("current socket lost after stale detach")
	}
}
