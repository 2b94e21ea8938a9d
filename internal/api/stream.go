package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/email-scraper/internal/crawler"
)

// progressStream serves GET /progress-stream/{task_id} as server-sent events.
// Each frame carries the event sequence as its id so reconnecting clients can
// resume via Last-Event-ID. The response ends after the terminal line.
func (s *Server) progressStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	afterSeq := lastEventID(r)

	ch, err := s.tasks.Subscribe(r.Context(), taskID, afterSeq)
	setStreamHeaders(w)
	w.WriteHeader(http.StatusOK)
	if errors.Is(err, crawler.ErrNotFound) {
		writeFrame(w, 0, fmt.Sprintf("ERROR:Task ID %s not found.", taskID))
		flusher.Flush()
		return
	}
	if err != nil {
		s.logger.Error("subscribe failed", zap.String("task_id", taskID), zap.Error(err))
		writeFrame(w, 0, "ERROR:"+err.Error())
		flusher.Flush()
		return
	}
	flusher.Flush()

	var keepAlive <-chan time.Time
	if s.keepAlive > 0 {
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		keepAlive = ticker.C
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case evt, ok := <-ch:
			if !ok {
				return
			}
			writeFrame(w, evt.Seq, evt.Line())
			flusher.Flush()
			if evt.Kind.Terminal() {
				return
			}
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeFrame writes one SSE event. Multi-line text becomes several data
// fields; seq 0 omits the id field.
func writeFrame(w io.Writer, seq int64, text string) {
	var b strings.Builder
	if seq > 0 {
		b.WriteString("id: ")
		b.WriteString(strconv.FormatInt(seq, 10))
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(text, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	_, _ = io.WriteString(w, b.String())
}

// lastEventID reads the resume point from the Last-Event-ID header or the
// last_event_id query parameter. Invalid values mean "from the start".
func lastEventID(r *http.Request) int64 {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("last_event_id")
	}
	seq, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || seq < 0 {
		return 0
	}
	return seq
}

