package worker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/pkg/provider/llm"
)

// The model is instructed to emit nothing but one JSON object; anything
// else fails parsing and counts as invalid output.
const systemPrompt = "You are a transcript analysis engine. " +
	"You receive one JSON request describing recognition events and a task. " +
	"Respond with exactly one JSON object in the shape the task requires. " +
	"Do not add markdown fences, commentary, or any text outside the JSON object."

// promptEvent is one fragment as the model sees it.
type promptEvent struct {
	EventIndex  int64  `json:"eventIndex"`
	SpeakerID   string `json:"speakerId,omitempty"`
	SpeakerName string `json:"speakerName,omitempty"`
	Content     string `json:"content"`
}

type promptRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// envelope is the request document sent as the user message.
type envelope struct {
	Task      string        `json:"task"`
	SessionID string        `json:"sessionId"`
	Range     promptRange   `json:"range"`
	Events    []promptEvent `json:"events"`

	// PreviousSegment carries the last emitted sentence for the
	// segmentation task so the model continues instead of repeating.
	PreviousSegment string `json:"previousSegment,omitempty"`
}

func buildRequest(task, sessionID string, start, end int64, events []eventlog.Fragment, prevSegment string) llm.CompletionRequest {
	env := envelope{
		Task:            task,
		SessionID:       sessionID,
		Range:           promptRange{Start: start, End: end},
		Events:          make([]promptEvent, len(events)),
		PreviousSegment: prevSegment,
	}
	for i, e := range events {
		env.Events[i] = promptEvent{
			EventIndex:  e.EventIndex,
			SpeakerID:   e.SpeakerID,
			SpeakerName: e.SpeakerName,
			Content:     e.Content,
		}
	}

	body, _ := json.Marshal(env)
	return llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: string(body)}},
		Temperature:  0.1,
	}
}

// extractJSON returns the first top-level JSON object in s. Models
// occasionally wrap output in code fences despite instructions; the
// object between the outermost braces is still accepted.
func extractJSON(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return "", fmt.Errorf("worker: no JSON object in model output")
	}
	return s[start : end+1], nil
}

func parseSegments(content string) ([]analysis.Segment, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var out struct {
		Segments []analysis.Segment `json:"segments"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("worker: decode segments: %w", err)
	}
	if out.Segments == nil {
		return nil, fmt.Errorf("worker: model output has no segments field")
	}
	return out.Segments, nil
}

func parseDialogues(content string) ([]analysis.Dialogue, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var out struct {
		Dialogues []analysis.Dialogue `json:"dialogues"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("worker: decode dialogues: %w", err)
	}
	if out.Dialogues == nil {
		return nil, fmt.Errorf("worker: model output has no dialogues field")
	}
	return out.Dialogues, nil
}

func parseNextSentence(content string) (string, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return "", err
	}
	var out struct {
		NextSentence *string `json:"nextSentence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return "", fmt.Errorf("worker: decode next sentence: %w", err)
	}
	if out.NextSentence == nil {
		return "", fmt.Errorf("worker: model output has no nextSentence field")
	}
	return strings.TrimSpace(*out.NextSentence), nil
}
