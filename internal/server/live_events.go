package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/carehub/internal/livesync"
	"github.com/smallbiznis/carehub/internal/session"
)

const liveEventBuffer = 8

// StreamCategory pushes every snapshot of one category as server-sent
// events. Only the latest pending snapshot is kept when the client lags.
func (s *Server) StreamCategory(c *gin.Context) {
	sess, ok := sessionFromContext(c)
	if !ok {
		AbortWithError(c, session.ErrSessionClosed)
		return
	}
	category := strings.TrimSpace(c.Param("category"))

	writer := c.Writer
	flusher, err := openEventStream(writer)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	events := make(chan livesync.Change, liveEventBuffer)
	cancel := sess.OnChange(func(change livesync.Change) {
		if change.Category != category {
			return
		}
		for {
			select {
			case events <- change:
				return
			default:
			}
			// Drop the oldest; snapshots supersede each other.
			select {
			case <-events:
			default:
			}
		}
	})
	defer cancel()

	if _, err := io.WriteString(writer, "retry: 2000\n\n"); err != nil {
		return
	}
	if docs, loaded := sess.Table(category); loaded {
		if err := writeLiveChange(writer, livesync.Change{Category: category, Documents: docs}); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case change := <-events:
			if err := writeLiveChange(writer, change); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if sess.State() == session.StateClosed {
				return
			}
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// openEventStream writes the event-stream status and headers. Nothing is
// written when w cannot flush.
func openEventStream(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrServiceUnavailable
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return flusher, nil
}

func writeLiveChange(w io.Writer, change livesync.Change) error {
	data, err := json.Marshal(change)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: snapshot\ndata: %s\n\n", data)
	return err
}
