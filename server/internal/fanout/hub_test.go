package fanout

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"crisis-drill/server/internal/config"
	"crisis-drill/server/internal/logger"
	"crisis-drill/server/internal/model"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func injectEvent(sessionID, injectID string) Event {
	return Event{
		SessionID: sessionID,
		EventID:   "evt-" + injectID,
		Type:      model.EventTypeInject,
		Payload:   model.InjectPayload{InjectID: injectID, Scope: model.ScopeUniversal, Title: injectID},
	}
}

func TestHubDeliversOnlyToSessionChannel(t *testing.T) {
	hub := NewHub("", logger.Nop())
	defer hub.Close()

	a, err := hub.Subscribe("s1")
	require.NoError(t, err)
	b, err := hub.Subscribe("s2")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(context.Background(), injectEvent("s1", "smoke-plume")))

	select {
	case evt := <-a.C:
		assert.Equal(t, "smoke-plume", evt.Payload.InjectID)
	case <-time.After(time.Second):
		t.Fatalf("subscriber of s1 got nothing")
	}
	select {
	case evt := <-b.C:
		t.Fatalf("s2 must not receive s1 events, got %+v", evt)
	default:
	}
}

// TestHubDropsWhenQueueFull 慢订阅者不会阻塞发布方。
func TestHubDropsWhenQueueFull(t *testing.T) {
	hub := NewHub("", logger.Nop())
	defer hub.Close()

	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	for i := 0; i < defaultQueueCapacity+5; i++ {
		require.NoError(t, hub.Publish(context.Background(), injectEvent("s1", "x")))
	}
	assert.Equal(t, int64(5), sub.Dropped())
}

func TestHubUnsubscribeAndClose(t *testing.T) {
	hub := NewHub("", logger.Nop())
	sub, err := hub.Subscribe("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers("s1"))

	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Subscribers("s1"))
	_, ok := <-sub.C
	assert.False(t, ok)

	hub.Close()
	_, err = hub.Subscribe("s1")
	assert.ErrorIs(t, err, ErrHubClosed)
}

func TestServeWritesEventsToWebsocket(t *testing.T) {
	hub := NewHub("", logger.Nop())
	defer hub.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = hub.Serve(r.Context(), conn, "s1")
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Subscribers("s1") == 1 }, time.Second, 10*time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), injectEvent("s1", "smoke-plume")))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got Event
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, "smoke-plume", got.Payload.InjectID)
}

func TestChannelNaming(t *testing.T) {
	assert.Equal(t, "session:abc", Channel("", "abc"))
	assert.Equal(t, "drill:abc", Channel("drill:", "abc"))
}

func TestNewRedisPublisherFailsFast(t *testing.T) {
	_, err := NewRedisPublisher(config.RedisConfig{Addr: ""}, logger.Nop())
	assert.Error(t, err)
	_, err = NewRedisPublisher(config.RedisConfig{Addr: "127.0.0.1:1"}, logger.Nop())
	assert.Error(t, err)
}
