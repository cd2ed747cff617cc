package worker

import (
	"encoding/json"
	"testing"

	"github.com/7788ken/scribeflow/internal/eventlog"
)

func TestBuildRequestEnvelope(t *testing.T) {
	events := []eventlog.Fragment{
		{EventIndex: 4, SpeakerID: "a", SpeakerName: "Alice", Content: "hi"},
		{EventIndex: 5, SpeakerID: "b", SpeakerName: "Bob", Content: "hello"},
	}
	req := buildRequest(taskTurnSegments, "s1", 4, 5, events, "")

	if req.SystemPrompt == "" {
		t.Error("system prompt is empty")
	}
	if len(req.Messages) != 1 || req.Messages[0].Role != "user" {
		t.Fatalf("messages = %+v, want one user message", req.Messages)
	}

	var env envelope
	if err := json.Unmarshal([]byte(req.Messages[0].Content), &env); err != nil {
		t.Fatalf("user message is not valid JSON: %v", err)
	}
	if env.Task != taskTurnSegments || env.SessionID != "s1" {
		t.Errorf("task/session = %q/%q", env.Task, env.SessionID)
	}
	if env.Range.Start != 4 || env.Range.End != 5 {
		t.Errorf("range = [%d,%d], want [4,5]", env.Range.Start, env.Range.End)
	}
	if len(env.Events) != 2 || env.Events[1].Content != "hello" {
		t.Errorf("events = %+v", env.Events)
	}
}

func TestBuildRequestPreviousSegment(t *testing.T) {
	req := buildRequest(taskNextSentence, "s1", 0, 0, nil, "Hello there.")

	var env envelope
	if err := json.Unmarshal([]byte(req.Messages[0].Content), &env); err != nil {
		t.Fatal(err)
	}
	if env.PreviousSegment != "Hello there." {
		t.Errorf("previousSegment = %q", env.PreviousSegment)
	}
}

func TestParseSegments(t *testing.T) {
	segs, err := parseSegments(`{"segments":[{"speakerId":"a","speakerName":"A","startEventIndex":0,"endEventIndex":1}]}`)
	if err != nil {
		t.Fatalf("parseSegments: %v", err)
	}
	if len(segs) != 1 || segs[0].SpeakerID != "a" || segs[0].EndEventIndex != 1 {
		t.Errorf("segments = %+v", segs)
	}
}

func TestParseSegmentsToleratesFences(t *testing.T) {
	content := "```json\n{\"segments\":[]}\n```"
	segs, err := parseSegments(content)
	if err != nil {
		t.Fatalf("parseSegments: %v", err)
	}
	if len(segs) != 0 {
		t.Errorf("segments = %+v, want empty", segs)
	}
}

func TestParseSegmentsRejectsNonJSON(t *testing.T) {
	if _, err := parseSegments("I cannot do that."); err == nil {
		t.Error("want error for prose output")
	}
	if _, err := parseSegments(`{"dialogues":[]}`); err == nil {
		t.Error("want error when segments field is missing")
	}
}

func TestParseNextSentence(t *testing.T) {
	s, err := parseNextSentence(`{"nextSentence":"  So that is settled. "}`)
	if err != nil {
		t.Fatalf("parseNextSentence: %v", err)
	}
	if s != "So that is settled." {
		t.Errorf("sentence = %q", s)
	}

	if _, err := parseNextSentence(`{}`); err == nil {
		t.Error("want error when nextSentence field is missing")
	}

	// An explicitly empty sentence is valid: it means nothing new to emit.
	s, err = parseNextSentence(`{"nextSentence":""}`)
	if err != nil || s != "" {
		t.Errorf("empty sentence: s=%q err=%v", s, err)
	}
}
