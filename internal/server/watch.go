package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/repository/redis"
)

var watchUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser origin policy is handled by the CORS middleware; the upgrade
	// itself accepts any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	// watchPollInterval is the refresh period when no Redis events arrive.
	watchPollInterval = time.Second
	watchWriteTimeout = 10 * time.Second
)

// watchEvent is one frame on the migration watch stream. The first frame is
// always a snapshot; updates follow on every stage or state change.
type watchEvent struct {
	Type string               `json:"type"`
	Job  *domain.MigrationJob `json:"job"`
}

// handleWatch streams a migration job's progress over a WebSocket until the
// job reaches a terminal state or the client disconnects. With Redis
// configured the stream reacts to published stage events; without it the
// handler falls back to polling the job record.
func (h *migrationHandler) handleWatch(w http.ResponseWriter, r *http.Request, jobID string) {
	// Resolve the job before upgrading so a bad ID gets a plain 404.
	job, err := h.server.migrations.Status(r.Context(), jobID)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}

	conn, err := watchUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the snapshot so no transition can fall in between.
	// A nil channel blocks forever, leaving the ticker as the only driver.
	var events <-chan redis.Event
	if h.server.cache != nil {
		events = h.server.cache.Subscribe(ctx, redis.EventChannelMigrations)
	}

	// The read pump exists to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	if err := h.writeWatchEvent(conn, "snapshot", job); err != nil {
		return
	}
	if job.State.Terminal() {
		h.closeWatch(conn)
		return
	}
	last := watchKey(job)

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.ResourceID != jobID {
				continue
			}
		case <-ticker.C:
		}

		// Re-read the record rather than trusting the event payload; the
		// store is authoritative and the poll path has no payload at all.
		job, err := h.server.migrations.Status(ctx, jobID)
		if err != nil {
			h.logger.Warn("Watched job disappeared",
				zap.String("job_id", jobID),
				zap.Error(err),
			)
			h.closeWatch(conn)
			return
		}

		if key := watchKey(job); key != last {
			last = key
			if err := h.writeWatchEvent(conn, "update", job); err != nil {
				return
			}
		}
		if job.State.Terminal() {
			h.closeWatch(conn)
			return
		}
	}
}

func watchKey(job *domain.MigrationJob) string {
	return string(job.State) + "/" + string(job.Stage)
}

func (h *migrationHandler) writeWatchEvent(conn *websocket.Conn, eventType string, job *domain.MigrationJob) error {
	conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	if err := conn.WriteJSON(watchEvent{Type: eventType, Job: job}); err != nil {
		h.logger.Debug("Watch stream write failed",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// closeWatch sends a normal close frame so well-behaved clients end cleanly.
func (h *migrationHandler) closeWatch(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(watchWriteTimeout))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "migration finished"))
}
