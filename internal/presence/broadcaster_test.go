package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onair-audio/backend/internal/chat"
	"github.com/onair-audio/backend/internal/models"
)

type stubSource struct {
	listeners int
}

func (s *stubSource) ListenerCount() int { return s.listeners }

func (s *stubSource) ListenerSample(n int) []models.Connection {
	count := s.listeners
	if count > n {
		count = n
	}
	out := make([]models.Connection, count)
	for i := range out {
		out[i] = models.Connection{ID: uuid.New().String(), Role: models.RoleListener}
	}
	return out
}

func (s *stubSource) ChatActivity() map[uuid.UUID]chat.UserActivity {
	return map[uuid.UUID]chat.UserActivity{
		uuid.New(): {Messages: 3, LastMessage: time.Now()},
	}
}

func TestSnapshot(t *testing.T) {
	src := &stubSource{listeners: 25}
	b := New(uuid.New(), time.Second, src, nil, zaptest.NewLogger(t))

	u := b.Snapshot()
	assert.Equal(t, 25, u.Listeners)
	assert.Len(t, u.Sample, SampleSize)
	assert.Len(t, u.Activity, 1)
	assert.False(t, u.At.IsZero())
}

func TestRunPushesPeriodically(t *testing.T) {
	var mu sync.Mutex
	var got []Update
	push := func(event string, payload interface{}) {
		assert.Equal(t, "presence_update", event)
		mu.Lock()
		got = append(got, payload.(Update))
		mu.Unlock()
	}
	b := New(uuid.New(), 10*time.Millisecond, &stubSource{listeners: 2}, push, zaptest.NewLogger(t))
	b.Run(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 2
	}, 2*time.Second, 5*time.Millisecond)
	b.Stop()

	mu.Lock()
	after := len(got)
	mu.Unlock()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, after, len(got), "no pushes after Stop")
	mu.Unlock()
}
