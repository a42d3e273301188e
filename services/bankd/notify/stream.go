package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"swapbank/native/bank"
)

const (
	wsWriteTimeout = 10 * time.Second
	backlogPage    = 200
)

// Stream journals committed notifications and relays them to websocket
// subscribers. Subscribers may resume from a journal cursor.
type Stream struct {
	journal *Journal
	hub     *Hub
	logger  *slog.Logger
}

var _ bank.Publisher = (*Stream)(nil)

// NewStream binds a journal and hub. The journal may be nil, in which case
// only live delivery is available.
func NewStream(journal *Journal, hub *Hub, logger *slog.Logger) *Stream {
	if hub == nil {
		hub = NewHub(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{journal: journal, hub: hub, logger: logger}
}

// Hub exposes the live fan-out.
func (s *Stream) Hub() *Hub { return s.hub }

// Publish journals n and broadcasts it. Duplicate notifications are not
// rebroadcast.
func (s *Stream) Publish(ctx context.Context, n bank.Notification) error {
	if s.journal == nil {
		s.hub.Broadcast(MessageFrom(n))
		return nil
	}
	rec, created, err := s.journal.Append(ctx, n)
	if err != nil {
		return err
	}
	if created {
		s.hub.Broadcast(MessageFromRecord(rec))
	}
	return nil
}

// ServeHTTP upgrades the request and streams notifications. The optional
// cursor query parameter replays journaled notifications after it first.
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var (
		cursor uint64
		replay bool
	)
	if raw := strings.TrimSpace(r.URL.Query().Get("cursor")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid cursor", http.StatusBadRequest)
			return
		}
		cursor, replay = parsed, true
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")
	ctx := conn.CloseRead(r.Context())
	if err := s.stream(ctx, conn, cursor, replay); err != nil {
		if status := websocket.CloseStatus(err); status == -1 && ctx.Err() == nil {
			s.logger.Warn("bankd/notify: stream aborted", "error", err)
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Stream) stream(ctx context.Context, conn *websocket.Conn, cursor uint64, replay bool) error {
	updates, cancel := s.hub.Subscribe()
	defer cancel()

	last := cursor
	if replay && s.journal != nil {
		for {
			page, err := s.journal.After(ctx, last, backlogPage)
			if err != nil {
				return err
			}
			for _, rec := range page {
				if err := writeMessage(ctx, conn, MessageFromRecord(rec)); err != nil {
					return err
				}
				last = rec.Cursor
			}
			if len(page) < backlogPage {
				break
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-updates:
			if !ok {
				return nil
			}
			if msg.Cursor != 0 && msg.Cursor <= last {
				continue
			}
			if err := writeMessage(ctx, conn, msg); err != nil {
				return err
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
