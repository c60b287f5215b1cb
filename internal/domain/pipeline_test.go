package domain

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParsePipelineStatus(t *testing.T) {
	cases := map[string]PipelineStatus{
		"SUCCESS": StatusSuccess,
		"failed":  StatusFailure,
		"FAILURE": StatusFailure,
		"ABORTED": StatusAborted,
		"queued":  StatusQueued,
	}
	for raw, want := range cases {
		got, ok := ParsePipelineStatus(raw)
		if !ok || got != want {
			t.Fatalf("ParsePipelineStatus(%q) = %q,%v want %q", raw, got, ok, want)
		}
	}
	if _, ok := ParsePipelineStatus("exploded"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestLevelForStatus(t *testing.T) {
	if LevelForStatus("success") != LevelSuccess {
		t.Fatalf("success should map to success level")
	}
	if LevelForStatus("failed") != LevelError || LevelForStatus("failure") != LevelError {
		t.Fatalf("failures should map to error level")
	}
	if LevelForStatus("running") != LevelInfo {
		t.Fatalf("running should map to info level")
	}
}

func TestCloneIsDeep(t *testing.T) {
	n := 4
	now := time.Now()
	p := Pipeline{ID: "p", BuildNumber: &n, Stages: []Stage{{Name: "Test", UpdatedAt: &now}}}
	c := p.Clone()
	*c.BuildNumber = 9
	c.Stages[0].Name = "Other"
	if *p.BuildNumber != 4 || p.Stages[0].Name != "Test" {
		t.Fatalf("clone shares state with original")
	}
	if c.Logs == nil {
		t.Fatalf("clone should render logs as empty slice")
	}
}

func TestEnvelopeMarshalFallsBack(t *testing.T) {
	payload := NewEnvelope(EventLogEntry, map[string]any{"bad": make(chan int)}).Marshal()
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("payload not json: %v", err)
	}
	if decoded["type"] != string(EventError) {
		t.Fatalf("expected error envelope, got %v", decoded["type"])
	}
	ok := NewEnvelope(EventPong, nil).Marshal()
	if !strings.Contains(string(ok), `"type":"pong"`) {
		t.Fatalf("unexpected payload %s", ok)
	}
}
