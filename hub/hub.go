// Package hub fans transcript segments out to live subscribers and keeps
// the finalized transcript of the current or most recent session.
package hub

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"node.town/scribe/db"
	"node.town/scribe/etc"
)

const DefaultSubscriberBuffer = 64

var ErrSessionLive = errors.New("a session is live")

type Segment struct {
	Text     string `json:"text"`
	IsFinal  bool   `json:"isFinal"`
	Sequence int64  `json:"sequence"`
}

type Hub struct {
	mu         sync.Mutex
	subs       map[*Subscription]struct{}
	live       bool
	sessionID  string
	startedAt  time.Time
	finals     []string
	bufferSize int
	store      db.TranscriptLog
	logger     *log.Logger
}

// New creates a hub. store may be nil when transcripts are not persisted.
func New(bufferSize int, store db.TranscriptLog, logger *log.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Hub{
		subs:       make(map[*Subscription]struct{}),
		bufferSize: bufferSize,
		store:      store,
		logger:     logger,
	}
}

// Begin marks a session as live and resets the transcript.
func (h *Hub) Begin(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.live = true
	h.sessionID = sessionID
	h.startedAt = time.Now()
	h.finals = nil
	h.logger.Debug("begin", "session", sessionID)
}

// Publish delivers a segment to every subscriber without blocking.
func (h *Hub) Publish(seg Segment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.live {
		h.logger.Debug("discarding segment", "sequence", seg.Sequence)
		return
	}
	if seg.IsFinal {
		h.finals = append(h.finals, seg.Text)
	}
	for sub := range h.subs {
		sub.offer(seg)
	}
}

// Finish freezes the transcript, ends all subscriptions and appends the
// transcript to the log.
func (h *Hub) Finish(ctx context.Context, finals []string) {
	h.mu.Lock()
	if !h.live {
		h.mu.Unlock()
		return
	}
	h.live = false
	h.finals = append([]string(nil), finals...)
	subs := h.subs
	h.subs = make(map[*Subscription]struct{})
	entry := db.Entry{
		SessionID: h.sessionID,
		StartedAt: h.startedAt,
		EndedAt:   time.Now(),
		Text:      etc.JoinFinals(h.finals),
	}
	h.mu.Unlock()

	for sub := range subs {
		sub.end()
	}

	if h.store == nil {
		return
	}
	if entry.Text == "" {
		h.logger.Info("no new transcript to save", "session", entry.SessionID)
		return
	}
	if err := h.store.Append(ctx, entry); err != nil {
		h.logger.Error("save transcript", "session", entry.SessionID, "error", err)
		return
	}
	h.logger.Info("saved transcript", "session", entry.SessionID, "chars", len(entry.Text))
}

// Subscribe returns a subscription to the live session's segments. When no
// session is live the subscription is already ended.
func (h *Hub) Subscribe() *Subscription {
	sub := newSubscription(h, h.bufferSize)

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.live {
		sub.end()
		return sub
	}
	h.subs[sub] = struct{}{}
	h.logger.Debug("subscribe", "subscriber", sub.ID, "count", len(h.subs))
	return sub
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *Hub) Transcript() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return etc.JoinFinals(h.finals)
}

func (h *Hub) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.live
}

// Clear drops the retained transcript and the persisted history. It is
// refused while a session is live.
func (h *Hub) Clear(ctx context.Context) error {
	h.mu.Lock()
	if h.live {
		h.mu.Unlock()
		return ErrSessionLive
	}
	h.finals = nil
	h.mu.Unlock()

	if h.store != nil {
		if err := h.store.Clear(ctx); err != nil {
			return err
		}
	}
	h.logger.Info("cleared transcript")
	return nil
}
