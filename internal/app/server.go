package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/health"
	"github.com/7788ken/scribeflow/internal/ingest"
	"github.com/7788ken/scribeflow/internal/results"
)

// defaultDiagLimit bounds /api/diagnostics when no limit is given.
const defaultDiagLimit = 50

// routes builds the HTTP surface: fragment ingestion, result reads, session
// lifecycle, the websocket hub, metrics, and health probes.
func (a *App) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/fragments", a.handleFragment)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("DELETE /api/sessions/{id}", a.handleSessionClose)
	mux.HandleFunc("GET /api/sessions/{id}/events", a.handleEvents)
	mux.HandleFunc("GET /api/sessions/{id}/turns", a.handleTurns)
	mux.HandleFunc("GET /api/sessions/{id}/dialogues", a.handleDialogues)
	mux.HandleFunc("GET /api/sessions/{id}/sentences", a.handleSentences)
	mux.HandleFunc("GET /api/diagnostics", a.handleDiagnostics)
	mux.HandleFunc("GET /api/scheduler", a.handleScheduler)

	mux.Handle("GET /ws", a.hub)
	mux.Handle("GET /metrics", promhttp.Handler())

	checkers := []health.Checker{}
	if a.ready != nil {
		checkers = append(checkers, health.Checker{Name: "storage", Check: a.ready})
	}
	health.New(checkers...).Register(mux)

	return mux
}

// fragmentRequest is the ingestion payload. EventIndex addresses an explicit
// correction; most corrections instead repeat a segmentKey.
type fragmentRequest struct {
	SessionID         string `json:"sessionId"`
	EventIndex        *int64 `json:"eventIndex,omitempty"`
	SpeakerID         string `json:"speakerId"`
	SpeakerName       string `json:"speakerName"`
	Content           string `json:"content"`
	IsFinal           bool   `json:"isFinal"`
	SegmentKey        string `json:"segmentKey,omitempty"`
	SourceTimestampMS int64  `json:"sourceTimestampMs,omitempty"`
}

type fragmentResponse struct {
	SessionID  string `json:"sessionId"`
	EventIndex int64  `json:"eventIndex"`
	Revision   int64  `json:"revision"`
}

func (a *App) handleFragment(w http.ResponseWriter, r *http.Request) {
	var req fragmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return
	}

	rev, frag, err := a.ingester.Apply(r.Context(), ingest.FragmentInput{
		SessionID:         req.SessionID,
		EventIndex:        req.EventIndex,
		SpeakerID:         req.SpeakerID,
		SpeakerName:       req.SpeakerName,
		Content:           req.Content,
		IsFinal:           req.IsFinal,
		SegmentKey:        req.SegmentKey,
		SourceTimestampMS: req.SourceTimestampMS,
	})
	if err != nil {
		slog.Warn("fragment rejected", "session", req.SessionID, "err", err)
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, fragmentResponse{
		SessionID:  frag.SessionID,
		EventIndex: frag.EventIndex,
		Revision:   rev,
	})
}

type sessionResponse struct {
	SessionID      string `json:"sessionId"`
	StartedAt      string `json:"startedAt"`
	LastFragmentAt string `json:"lastFragmentAt"`
	Fragments      int64  `json:"fragments"`
}

func (a *App) handleSessions(w http.ResponseWriter, _ *http.Request) {
	infos := a.tracker.List()
	out := make([]sessionResponse, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionResponse{
			SessionID:      info.SessionID,
			StartedAt:      info.StartedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			LastFragmentAt: info.LastFragmentAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
			Fragments:      info.Fragments,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleSessionClose(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !a.tracker.Close(id) {
		httpError(w, http.StatusNotFound, "unknown session")
		return
	}
	a.ingester.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

type eventResponse struct {
	EventIndex  int64  `json:"eventIndex"`
	SpeakerID   string `json:"speakerId"`
	SpeakerName string `json:"speakerName"`
	Content     string `json:"content"`
	IsFinal     bool   `json:"isFinal"`
}

func (a *App) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	state, err := a.events.GetState(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if state.NextEventIndex == 0 {
		writeJSON(w, http.StatusOK, []eventResponse{})
		return
	}

	frags, err := a.events.GetEventsInRange(r.Context(), id, 0, state.NextEventIndex-1)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]eventResponse, 0, len(frags))
	for _, f := range frags {
		out = append(out, eventResponse{
			EventIndex:  f.EventIndex,
			SpeakerID:   f.SpeakerID,
			SpeakerName: f.SpeakerName,
			Content:     f.Content,
			IsFinal:     f.IsFinal,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type segmentResponse struct {
	SpeakerID       string `json:"speakerId"`
	SpeakerName     string `json:"speakerName"`
	StartEventIndex int64  `json:"startEventIndex"`
	EndEventIndex   int64  `json:"endEventIndex"`
}

type turnsResponse struct {
	SessionID string            `json:"sessionId"`
	Revision  int64             `json:"revision"`
	Status    string            `json:"status"`
	Segments  []segmentResponse `json:"segments"`
}

func (a *App) handleTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := a.results.GetTurnSegments(r.Context(), id)
	if errors.Is(err, results.ErrNotFound) {
		httpError(w, http.StatusNotFound, "no turn segments yet")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := turnsResponse{
		SessionID: res.SessionID,
		Revision:  res.Revision,
		Status:    string(res.Status),
		Segments:  make([]segmentResponse, 0, len(res.Segments)),
	}
	for _, s := range res.Segments {
		out.Segments = append(out.Segments, segmentResponse{
			SpeakerID:       s.SpeakerID,
			SpeakerName:     s.SpeakerName,
			StartEventIndex: s.StartEventIndex,
			EndEventIndex:   s.EndEventIndex,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type dialogueResponse struct {
	segmentResponse
	Content          string `json:"content"`
	CorrectedContent string `json:"correctedContent,omitempty"`
}

// handleDialogues walks the committed chunks from index 0 through the
// semantic cursor and flattens their dialogues in order.
func (a *App) handleDialogues(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	cur, err := a.results.GetCursor(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]dialogueResponse, 0)
	for i := int64(0); i <= cur.LastAnalyzedEventIndex; i++ {
		chunk, err := a.results.GetChunk(r.Context(), id, i, i)
		if errors.Is(err, results.ErrNotFound) {
			continue
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, err.Error())
			return
		}
		for _, d := range chunk.Dialogues {
			out = append(out, flattenDialogue(d))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func flattenDialogue(d analysis.Dialogue) dialogueResponse {
	return dialogueResponse{
		segmentResponse: segmentResponse{
			SpeakerID:       d.SpeakerID,
			SpeakerName:     d.SpeakerName,
			StartEventIndex: d.StartEventIndex,
			EndEventIndex:   d.EndEventIndex,
		},
		Content:          d.Content,
		CorrectedContent: d.CorrectedContent,
	}
}

type sentenceResponse struct {
	ID             string `json:"id"`
	Sequence       int64  `json:"sequence"`
	Content        string `json:"content"`
	SourceStart    int64  `json:"sourceStartEventIndex"`
	SourceEnd      int64  `json:"sourceEndEventIndex"`
	SourceRevision int64  `json:"sourceRevision"`
}

func (a *App) handleSentences(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	segs, err := a.results.ListEventSegments(r.Context(), id)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]sentenceResponse, 0, len(segs))
	for _, s := range segs {
		out = append(out, sentenceResponse{
			ID:             s.ID,
			Sequence:       s.Sequence,
			Content:        s.Content,
			SourceStart:    s.SourceStartEventIndex,
			SourceEnd:      s.SourceEndEventIndex,
			SourceRevision: s.SourceRevision,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type diagResponse struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId"`
	Worker    string `json:"worker"`
	Detail    string `json:"detail"`
	CreatedAt string `json:"createdAt"`
}

func (a *App) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if a.journal == nil {
		httpError(w, http.StatusNotFound, "diagnostics journal disabled")
		return
	}

	limit := defaultDiagLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			httpError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	events, err := a.journal.Recent(r.Context(), limit)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]diagResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, diagResponse{
			Kind:      string(ev.Kind),
			SessionID: ev.SessionID,
			Worker:    ev.Worker,
			Detail:    ev.Detail,
			CreatedAt: ev.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *App) handleScheduler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.scheduler.QueueStats())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("response encode error", "err", err)
	}
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
