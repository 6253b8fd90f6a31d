// Package presence periodically recomputes listener counts and chat-activity
// aggregates for a session and fans them out. Pure read path.
package presence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/onair-audio/backend/internal/chat"
	"github.com/onair-audio/backend/internal/models"
)

// SampleSize is how many listeners are included in each presence update.
const SampleSize = 10

// Source is the read-only view of a session the broadcaster consumes.
type Source interface {
	ListenerCount() int
	ListenerSample(n int) []models.Connection
	ChatActivity() map[uuid.UUID]chat.UserActivity
}

// Pusher delivers a presence update to all session connections.
type Pusher func(event string, payload interface{})

// Update is the payload pushed on every presence tick.
type Update struct {
	Listeners int                             `json:"listeners"`
	Sample    []models.Connection             `json:"sample"`
	Activity  map[uuid.UUID]chat.UserActivity `json:"activity,omitempty"`
	At        time.Time                       `json:"at"`
}

// Broadcaster runs the presence loop for one session.
type Broadcaster struct {
	broadcastID uuid.UUID
	interval    time.Duration
	src         Source
	push        Pusher
	log         *zap.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a presence broadcaster; Run starts it.
func New(broadcastID uuid.UUID, interval time.Duration, src Source, push Pusher, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		broadcastID: broadcastID,
		interval:    interval,
		src:         src,
		push:        push,
		log:         log.With(zap.String("broadcast_id", broadcastID.String())),
	}
}

// Run starts the periodic recompute loop until ctx is cancelled or Stop is
// called.
func (b *Broadcaster) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	go func() {
		defer close(b.done)
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				b.tick()
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight tick.
func (b *Broadcaster) Stop() {
	if b.cancel != nil {
		b.cancel()
		<-b.done
		b.cancel = nil
	}
}

// Snapshot computes one presence update on demand (also used on join).
func (b *Broadcaster) Snapshot() Update {
	return Update{
		Listeners: b.src.ListenerCount(),
		Sample:    b.src.ListenerSample(SampleSize),
		Activity:  b.src.ChatActivity(),
		At:        time.Now(),
	}
}

func (b *Broadcaster) tick() {
	if b.push == nil {
		return
	}
	b.push("presence_update", b.Snapshot())
}
