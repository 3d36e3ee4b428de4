package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/deep-research-backend/internal/domain"
)

// sseKeepAlive is the cadence of comment frames that keep intermediaries
// from closing an idle event stream.
const sseKeepAlive = 15 * time.Second

// EventsHandler streams a conversation's notification-bus events as
// server-sent events until the client disconnects.
func (s *Server) EventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conversationID := chi.URLParam(r, "id")
		if conversationID == "" {
			writeError(w, r, fmt.Errorf("%w: conversation id missing", domain.ErrInvalidArgument), nil)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, r, fmt.Errorf("%w: streaming unsupported", domain.ErrInternal), nil)
			return
		}

		events, cancel, err := s.Bus.Subscribe(r.Context(), conversationID)
		if err != nil {
			writeError(w, r, fmt.Errorf("subscribe: %w", err), nil)
			return
		}
		defer cancel()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		keepAlive := time.NewTicker(sseKeepAlive)
		defer keepAlive.Stop()

		lg := LoggerFrom(r)
		for {
			select {
			case <-r.Context().Done():
				return
			case <-keepAlive.C:
				if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
					return
				}
				flusher.Flush()
			case ev, open := <-events:
				if !open {
					return
				}
				data, err := json.Marshal(ev)
				if err != nil {
					lg.Warn("event marshal failed", "error", err)
					continue
				}
				if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}
