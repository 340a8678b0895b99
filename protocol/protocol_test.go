package protocol

import (
	"encoding/json"
	"testing"
)

func TestSplitNDJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int
	}{
		{"single object", `{"type":"system"}`, 1},
		{"newline delimited", "{\"type\":\"a\"}\n{\"type\":\"b\"}\n", 2},
		{"concatenated", `{"type":"a"}{"type":"b"}{"type":"c"}`, 3},
		{"trailing garbage stops cleanly", `{"type":"a"}not json`, 1},
		{"empty", "", 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitNDJSON([]byte(tc.input))
			if len(got) != tc.want {
				t.Fatalf("got %d objects, want %d", len(got), tc.want)
			}
			for i, obj := range got {
				if !json.Valid(obj) {
					t.Errorf("object %d is not valid JSON: %s", i, obj)
				}
			}
		})
	}
}

func TestParseCLIMessagePreservesRaw(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"role":"assistant"},"unknown_field":42}`)

	msg, err := ParseCLIMessage(line)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if msg.Type != CLITypeAssistant {
		t.Errorf("type = %q", msg.Type)
	}
	if string(msg.Raw) != string(line) {
		t.Error("raw bytes not preserved")
	}

	if _, err := ParseCLIMessage([]byte(`{"subtype":"init"}`)); err == nil {
		t.Error("missing type tag accepted")
	}
}

func TestUserFrameShape(t *testing.T) {
	var frame struct {
		Type    string `json:"type"`
		Message struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"message"`
		ParentToolUseID *string `json:"parent_tool_use_id"`
		SessionID       string  `json:"session_id"`
	}

	if err := json.Unmarshal(UserFrame("hi", nil, ""), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.Type != "user" || frame.Message.Role != "user" {
		t.Errorf("unexpected envelope: %+v", frame)
	}
	if string(frame.Message.Content) != `"hi"` {
		t.Errorf("plain text content = %s", frame.Message.Content)
	}
	if frame.ParentToolUseID != nil {
		t.Error("parent_tool_use_id should be null")
	}
	if frame.SessionID != "" {
		t.Errorf("session_id = %q, want empty before init", frame.SessionID)
	}

	// With images the content becomes a block array, text last.
	img := ImageAttachment{MediaType: "image/png", Data: "aGk="}
	if err := json.Unmarshal(UserFrame("caption", []ImageAttachment{img}, "up-1"), &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var blocks []map[string]any
	if err := json.Unmarshal(frame.Message.Content, &blocks); err != nil {
		t.Fatalf("content not a block array: %v", err)
	}
	if len(blocks) != 2 || blocks[0]["type"] != "image" || blocks[1]["type"] != "text" {
		t.Errorf("unexpected blocks: %v", blocks)
	}
	if frame.SessionID != "up-1" {
		t.Errorf("session_id = %q", frame.SessionID)
	}
}
