package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/orrn/continuousprint/internal/core"
)

// Entry is a message as kept in the ring and sent to webhooks.
type Entry struct {
	ID    string           `json:"id"`
	Type  core.MessageType `json:"type"`
	Event string           `json:"event,omitempty"`
	Text  string           `json:"text"`
	Path  string           `json:"path,omitempty"`
	SetID int64            `json:"set_id,omitempty"`
	Time  time.Time        `json:"time"`
}

// Ring keeps the most recent entries.
type Ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	full bool
}

func NewRing(size int) *Ring {
	if size < 1 {
		size = 100
	}
	return &Ring{buf: make([]Entry, size)}
}

func (r *Ring) Add(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// List returns entries oldest first, at most limit of the newest when
// limit is positive.
func (r *Ring) List(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Entry
	if r.full {
		out = append(out, r.buf[r.next:]...)
	}
	out = append(out, r.buf[:r.next]...)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

type Enqueuer interface {
	Enqueue(ctx context.Context, event string, data any) int
}

// Hub implements core.Notifier by logging each message, keeping it in a
// ring for the API and forwarding events to webhooks.
type Hub struct {
	log      log.FieldLogger
	ring     *Ring
	webhooks Enqueuer
	now      func() time.Time
}

func NewHub(logger log.FieldLogger, ring *Ring, webhooks Enqueuer) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if ring == nil {
		ring = NewRing(100)
	}
	return &Hub{log: logger, ring: ring, webhooks: webhooks, now: time.Now}
}

func (h *Hub) Ring() *Ring { return h.ring }

func (h *Hub) Notify(ctx context.Context, m core.Message) {
	e := Entry{
		ID:    uuid.NewString(),
		Type:  m.Type,
		Event: m.Event,
		Text:  m.Text,
		Path:  m.Path,
		SetID: m.SetID,
		Time:  h.now().UTC(),
	}

	fields := log.Fields{"type": m.Type}
	if m.Event != "" {
		fields["event"] = m.Event
	}
	logger := h.log.WithFields(fields)
	switch m.Type {
	case core.MessageReload:
		logger.Debug(m.Text)
		return
	case core.MessageError:
		logger.Error(m.Text)
	default:
		logger.Info(m.Text)
	}

	h.ring.Add(e)
	if h.webhooks != nil && m.Event != "" {
		h.webhooks.Enqueue(ctx, m.Event, e)
	}
}
