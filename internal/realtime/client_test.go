package realtime

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/onair-audio/backend/config"
	"github.com/onair-audio/backend/internal/auth"
	"github.com/onair-audio/backend/internal/models"
	"github.com/onair-audio/backend/internal/session"
	"github.com/onair-audio/backend/pkg/errs"
)

func TestQueueFrameDropsOldestWhenFull(t *testing.T) {
	c := &Client{frames: make(chan []byte, 2)}
	for i := byte(1); i <= 4; i++ {
		c.queueFrame([]byte{i})
	}

	// The two oldest frames were dropped; the newest survive in order.
	assert.Equal(t, []byte{3}, <-c.frames)
	assert.Equal(t, []byte{4}, <-c.frames)
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected queued frame %v", f)
	default:
	}
}

type wsBootstrapStore struct {
	boot models.Bootstrap
}

func (s *wsBootstrapStore) GetBootstrap(_ context.Context, broadcastID uuid.UUID) (*models.Bootstrap, error) {
	if broadcastID != s.boot.BroadcastID {
		return nil, errs.NotFound("broadcast")
	}
	b := s.boot
	return &b, nil
}

type wsArchiveSink struct{}

func (wsArchiveSink) Finalize(context.Context, models.ArchiveRecord) error { return nil }

func wsTestConfig() config.BroadcastConfig {
	return config.BroadcastConfig{
		FrameDuration:    10 * time.Millisecond,
		SampleRate:       8000,
		MaxSources:       2,
		JitterFrames:     2,
		SendQueueFrames:  4,
		HostGrace:        time.Minute,
		DeadAirGrace:     time.Minute,
		PresenceInterval: 50 * time.Millisecond,
		ActivityWindow:   time.Minute,
		ChatRatePerSec:   100,
		ChatBurst:        100,
	}
}

func TestLeaveControlClosesConnection(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	boot := models.Bootstrap{
		BroadcastID:       uuid.New(),
		HostID:            uuid.New(),
		AllowGuests:       true,
		ChatEnabled:       true,
		ModerationEnabled: true,
		MaxListeners:      10,
	}
	listenerID := uuid.New()

	hub := NewHub(logger, nil, nil)
	coord := session.NewCoordinator(wsTestConfig(), &wsBootstrapStore{boot: boot}, wsArchiveSink{}, hub, logger, nil)
	t.Cleanup(coord.Shutdown)

	validate := func(token string) (*auth.Claims, error) {
		if token == "listener-token" {
			return &auth.Claims{UserID: listenerID, DisplayName: "Lee", Role: models.RoleListener}, nil
		}
		return nil, auth.ErrInvalidToken
	}

	router := gin.New()
	router.GET("/ws", ServeWs(hub, coord, logger, validate, wsTestConfig().SendQueueFrames))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws?broadcast_id=" + boot.BroadcastID.String() + "&token=listener-token"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The session snapshot is pushed on connect.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == "session_state" {
			break
		}
	}

	sess, err := coord.Get(boot.BroadcastID)
	require.NoError(t, err)
	require.Equal(t, 1, sess.ListenerCount())

	require.NoError(t, conn.WriteJSON(WSMessage{Event: "leave"}))

	require.Eventually(t, func() bool {
		return sess.ListenerCount() == 0 && hub.ConnectionCount(boot.BroadcastID) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDialRejectedWithInvalidToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	boot := models.Bootstrap{BroadcastID: uuid.New(), HostID: uuid.New(), MaxListeners: 10}

	hub := NewHub(logger, nil, nil)
	coord := session.NewCoordinator(wsTestConfig(), &wsBootstrapStore{boot: boot}, wsArchiveSink{}, hub, logger, nil)
	t.Cleanup(coord.Shutdown)

	validate := func(string) (*auth.Claims, error) { return nil, auth.ErrInvalidToken }
	router := gin.New()
	router.GET("/ws", ServeWs(hub, coord, logger, validate, wsTestConfig().SendQueueFrames))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") +
		"/ws?broadcast_id=" + boot.BroadcastID.String() + "&token=bogus"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)
	resp.Body.Close()
}
