package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"agent-orchestrator/internal/models"
	"agent-orchestrator/internal/store"
	"agent-orchestrator/internal/telemetry"
)

// eventFrame is one server-push frame delivered to stream observers.
type eventFrame struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Agent     string         `json:"agent"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// handleEventStream long-polls the event table from the client's cursor and
// pushes new events over SSE until a terminal event, the maximum stream
// duration, or client disconnect. On max duration the client receives a
// reconnect frame and re-opens with its last cursor; that bounds any single
// connection's resource usage.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	jobFilter := r.URL.Query().Get("jobId")

	cursor, err := parseCursor(r.URL.Query().Get("after"), r.URL.Query().Get("afterId"), r.Header.Get("Last-Event-ID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	telemetry.ActiveStreams.Inc()
	defer telemetry.ActiveStreams.Dec()

	// Request context tears everything down the moment the client goes away.
	ctx := r.Context()
	deadline := time.Now().Add(s.cfg.StreamMaxDuration)
	lastWrite := time.Now()
	agents := map[string]string{} // job id -> agent label, per-stream cache

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		page, err := s.store.ListEventsAfter(ctx, projectID, cursor, jobFilter, s.cfg.StreamPageSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("event stream query failed", slog.String("error", err.Error()))
			sleepStream(ctx, s.cfg.StreamPollDelay)
			continue
		}

		pushed := 0
		terminal := false
		for _, e := range page {
			// The >= timestamp query re-reads rows inside the cursor's tick;
			// the compound comparison drops the ones already delivered.
			if cursor.Past(e) {
				continue
			}
			frame := eventFrame{
				ID:        frameID(e),
				JobID:     e.JobID,
				Agent:     s.agentLabel(ctx, agents, e.JobID),
				Type:      e.Type,
				Message:   e.Message,
				Data:      e.Data,
				CreatedAt: e.CreatedAt,
			}
			if err := writeFrame(w, e.Type, frame.ID, frame); err != nil {
				return
			}
			cursor = store.EventCursor{After: e.CreatedAt, AfterID: e.ID}
			pushed++
			terminal = e.TerminalStatus()
		}

		if pushed > 0 {
			flusher.Flush()
			lastWrite = time.Now()
			if terminal {
				_ = writeFrame(w, "done", "", map[string]string{"reason": "job finished"})
				flusher.Flush()
				return
			}
		}

		if time.Now().After(deadline) {
			_ = writeFrame(w, "reconnect", "", map[string]string{"reason": "max stream duration reached"})
			flusher.Flush()
			return
		}

		if pushed == 0 {
			// Keep intermediate proxies from closing an idle connection.
			if time.Since(lastWrite) >= s.cfg.StreamHeartbeat {
				if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
					return
				}
				flusher.Flush()
				lastWrite = time.Now()
			}
			sleepStream(ctx, s.cfg.StreamPollDelay)
		}
	}
}

// agentLabel resolves a human-readable actor label for a job, caching per
// stream so repeated events from one job cost a single lookup.
func (s *Server) agentLabel(ctx context.Context, cache map[string]string, jobID string) string {
	if label, ok := cache[jobID]; ok {
		return label
	}
	label := ""
	if job, err := s.store.GetJob(ctx, jobID); err == nil {
		label = job.AgentKey
	}
	cache[jobID] = label
	return label
}

// frameID encodes an event's stream position so it can round-trip through
// the SSE Last-Event-ID reconnect mechanism.
func frameID(e models.JobEvent) string {
	return fmt.Sprintf("%d_%d", e.CreatedAt.UnixNano(), e.ID)
}

// parseCursor builds the resume position from explicit query params or a
// Last-Event-ID header. Query params win when both are present.
func parseCursor(after, afterID, lastEventID string) (store.EventCursor, error) {
	var cursor store.EventCursor
	if after != "" {
		ts, err := time.Parse(time.RFC3339Nano, after)
		if err != nil {
			return cursor, fmt.Errorf("invalid after timestamp: %w", err)
		}
		cursor.After = ts
		if afterID != "" {
			id, err := strconv.ParseInt(afterID, 10, 64)
			if err != nil {
				return cursor, fmt.Errorf("invalid afterId: %w", err)
			}
			cursor.AfterID = id
		}
		return cursor, nil
	}
	if lastEventID != "" {
		parts := strings.SplitN(lastEventID, "_", 2)
		if len(parts) != 2 {
			return cursor, fmt.Errorf("invalid Last-Event-ID %q", lastEventID)
		}
		nanos, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return cursor, fmt.Errorf("invalid Last-Event-ID timestamp: %w", err)
		}
		id, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return cursor, fmt.Errorf("invalid Last-Event-ID sequence: %w", err)
		}
		cursor.After = time.Unix(0, nanos)
		cursor.AfterID = id
	}
	return cursor, nil
}

// formatFrame renders one SSE frame. The id line carries the event's stream
// position so an EventSource auto-reconnect resumes via Last-Event-ID instead
// of replaying history; control frames (done, reconnect) carry no id.
func formatFrame(event, id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var b bytes.Buffer
	if id != "" {
		fmt.Fprintf(&b, "id: %s\n", id)
	}
	fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", event, data)
	return b.Bytes(), nil
}

func writeFrame(w http.ResponseWriter, event, id string, payload any) error {
	frame, err := formatFrame(event, id, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

func sleepStream(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
