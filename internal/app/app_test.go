package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/7788ken/scribeflow/internal/app"
	"github.com/7788ken/scribeflow/internal/config"
	"github.com/7788ken/scribeflow/internal/diag"
	"github.com/7788ken/scribeflow/internal/eventlog"
	"github.com/7788ken/scribeflow/internal/results"
	"github.com/7788ken/scribeflow/pkg/provider/llm/mock"
)

// universalReply satisfies all three analyzers for a session holding exactly
// one fragment at index 0 spoken by alice.
const universalReply = `{
	"segments": [{"speakerId": "alice", "speakerName": "Alice", "startEventIndex": 0, "endEventIndex": 0}],
	"dialogues": [{"speakerId": "alice", "speakerName": "Alice", "startEventIndex": 0, "endEventIndex": 0, "content": "hello there"}],
	"nextSentence": "Hello there."
}`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.LLM = config.ProviderEntry{Name: "openai", Model: "gpt-4o", APIKey: "test"}
	cfg.Workers.Turn.IntervalMS = 1
	cfg.Workers.Semantic.IntervalMS = 1
	cfg.Workers.Event.IntervalMS = 1
	return cfg
}

func newTestApp(t *testing.T, provider *mock.Provider) (*app.App, *httptest.Server) {
	t.Helper()

	a, err := app.New(context.Background(), testConfig(), provider,
		app.WithEventLog(eventlog.NewMemStore()),
		app.WithResults(results.NewMemStore()),
		app.WithDiag(diag.Nop{}),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return a, srv
}

func postFragment(t *testing.T, srv *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(srv.URL+"/api/fragments", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatalf("post fragment: %v", err)
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestApp_IngestToResults(t *testing.T) {
	t.Parallel()
	provider := mock.New(mock.Reply{Content: universalReply})
	_, srv := newTestApp(t, provider)

	resp := postFragment(t, srv, `{
		"sessionId": "s1",
		"speakerId": "alice",
		"speakerName": "Alice",
		"content": "hello there",
		"isFinal": true
	}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("fragment status = %d, want 202", resp.StatusCode)
	}
	var fr struct {
		EventIndex int64 `json:"eventIndex"`
		Revision   int64 `json:"revision"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&fr); err != nil {
		t.Fatalf("decode fragment response: %v", err)
	}
	resp.Body.Close()
	if fr.EventIndex != 0 || fr.Revision != 1 {
		t.Errorf("fragment response = %+v, want index 0 revision 1", fr)
	}

	// All three workers should converge on the scripted reply.
	var turns struct {
		Status   string `json:"status"`
		Segments []struct {
			SpeakerID string `json:"speakerId"`
		} `json:"segments"`
	}
	waitFor(t, 5*time.Second, func() bool {
		code := getJSON(t, srv.URL+"/api/sessions/s1/turns", &turns)
		return code == http.StatusOK && turns.Status == "completed"
	})
	if len(turns.Segments) != 1 || turns.Segments[0].SpeakerID != "alice" {
		t.Errorf("turns = %+v", turns)
	}

	var dialogues []struct {
		Content string `json:"content"`
	}
	waitFor(t, 5*time.Second, func() bool {
		getJSON(t, srv.URL+"/api/sessions/s1/dialogues", &dialogues)
		return len(dialogues) == 1
	})
	if dialogues[0].Content != "hello there" {
		t.Errorf("dialogue content = %q", dialogues[0].Content)
	}

	var sentences []struct {
		Sequence int64  `json:"sequence"`
		Content  string `json:"content"`
	}
	waitFor(t, 5*time.Second, func() bool {
		getJSON(t, srv.URL+"/api/sessions/s1/sentences", &sentences)
		return len(sentences) == 1
	})
	if sentences[0].Sequence != 1 || sentences[0].Content != "Hello there." {
		t.Errorf("sentences = %+v", sentences)
	}
}

func TestApp_FallbackWithoutModel(t *testing.T) {
	t.Parallel()
	// Empty script: every model call fails, the heuristic takes over.
	_, srv := newTestApp(t, mock.New())

	postFragment(t, srv, `{"sessionId":"s2","speakerId":"bob","speakerName":"Bob","content":"first","isFinal":true}`).Body.Close()

	var turns struct {
		Status   string `json:"status"`
		Segments []struct {
			StartEventIndex int64 `json:"startEventIndex"`
			EndEventIndex   int64 `json:"endEventIndex"`
		} `json:"segments"`
	}
	waitFor(t, 10*time.Second, func() bool {
		code := getJSON(t, srv.URL+"/api/sessions/s2/turns", &turns)
		return code == http.StatusOK && turns.Status == "completed"
	})
	if len(turns.Segments) != 1 || turns.Segments[0].EndEventIndex != 0 {
		t.Errorf("fallback turns = %+v", turns)
	}
}

func TestApp_SessionLifecycle(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, mock.New(mock.Reply{Content: universalReply}))

	postFragment(t, srv, `{"sessionId":"s3","speakerId":"a","speakerName":"A","content":"x","isFinal":true}`).Body.Close()

	var sessions []struct {
		SessionID string `json:"sessionId"`
		Fragments int64  `json:"fragments"`
	}
	if code := getJSON(t, srv.URL+"/api/sessions", &sessions); code != http.StatusOK {
		t.Fatalf("sessions status = %d", code)
	}
	if len(sessions) != 1 || sessions[0].SessionID != "s3" || sessions[0].Fragments != 1 {
		t.Fatalf("sessions = %+v", sessions)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/s3", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete session: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}

	// Second delete finds nothing.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", resp.StatusCode)
	}
}

func TestApp_RejectsEmptySession(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, mock.New())

	resp := postFragment(t, srv, `{"speakerId":"a","content":"x"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestApp_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, mock.New())

	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("healthz = %d", code)
	}
	if code := getJSON(t, srv.URL+"/readyz", nil); code != http.StatusOK {
		t.Errorf("readyz = %d", code)
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("metrics = %d", resp.StatusCode)
	}
}

func TestApp_DiagnosticsDisabled(t *testing.T) {
	t.Parallel()
	_, srv := newTestApp(t, mock.New())

	if code := getJSON(t, srv.URL+"/api/diagnostics", nil); code != http.StatusNotFound {
		t.Errorf("diagnostics = %d, want 404 when journal disabled", code)
	}
}

func TestApp_RequiresProvider(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testConfig(), nil)
	if err == nil {
		t.Fatal("expected error for nil provider")
	}
}
