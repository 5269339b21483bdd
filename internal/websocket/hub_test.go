package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"imagerelay/backend/internal/domain"
)

// setupHub 启动 Hub 和测试服务器
func setupHub(t *testing.T, allowedOrigins []string) (*Hub, string) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(allowedOrigins, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)

	router := gin.New()
	router.GET("/v1/ws", HandleWebSocket(hub))
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return hub, "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/ws"
}

// readFrame 读取一帧
func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Frame
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHub_SubscribeAndPublish(t *testing.T) {
	hub, url := setupHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?uploadId=upload-1", nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readFrame(t, conn)
	assert.Equal(t, FrameSubscribed, msg.Type)
	assert.Equal(t, "upload-1", msg.UploadID)

	// 其他上传的事件不会推送
	hub.Publish(domain.DeliveryEvent{UploadID: "upload-2", Stage: domain.StageStored})
	hub.Publish(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageSelfNotified, Recipient: "op@example.com"})

	msg = readFrame(t, conn)
	assert.Equal(t, FrameDelivery, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, domain.StageSelfNotified, msg.Event.Stage)
	assert.Equal(t, "op@example.com", msg.Event.Recipient)
	assert.False(t, msg.Event.Timestamp.IsZero())
}

func TestHub_ReplayHistory(t *testing.T) {
	hub, url := setupHub(t, nil)

	hub.Publish(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageStored})
	hub.Publish(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageSelfNotified})

	require.Eventually(t, func() bool {
		return len(hub.History("upload-1")) == 2
	}, 2*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameSubscribe, UploadID: "upload-1"}))

	assert.Equal(t, FrameSubscribed, readFrame(t, conn).Type)
	assert.Equal(t, domain.StageStored, readFrame(t, conn).Event.Stage)
	assert.Equal(t, domain.StageSelfNotified, readFrame(t, conn).Event.Stage)
}

func TestHub_Unsubscribe(t *testing.T) {
	hub, url := setupHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?uploadId=upload-1", nil)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, FrameSubscribed, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameUnsubscribe, UploadID: "upload-1"}))
	require.NoError(t, conn.WriteJSON(Frame{Type: FrameSubscribe, UploadID: "upload-2"}))
	assert.Equal(t, "upload-2", readFrame(t, conn).UploadID)

	hub.Publish(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageCleaned})
	hub.Publish(domain.DeliveryEvent{UploadID: "upload-2", Stage: domain.StageCleaned})

	msg := readFrame(t, conn)
	assert.Equal(t, "upload-2", msg.UploadID)
}

func TestHub_InvalidMessages(t *testing.T) {
	_, url := setupHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(Frame{Type: FrameSubscribe}))
	msg := readFrame(t, conn)
	assert.Equal(t, FrameError, msg.Type)
	assert.Equal(t, "upload ID is required", msg.Error)

	require.NoError(t, conn.WriteJSON(Frame{Type: "bogus"}))
	msg = readFrame(t, conn)
	assert.Equal(t, FrameError, msg.Type)
	assert.Contains(t, msg.Error, "bogus")
}

func TestHub_OriginCheck(t *testing.T) {
	_, url := setupHub(t, []string{"https://app.example.com"})

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://app.example.com")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	conn.Close()
}

func TestHub_ClientCount(t *testing.T) {
	hub, url := setupHub(t, nil)

	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_HistoryBounded(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())

	for i := 0; i < maxEventsPerUpload+5; i++ {
		hub.dispatch(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageStored})
	}
	assert.Len(t, hub.History("upload-1"), maxEventsPerUpload)
	assert.Empty(t, hub.History("unknown"))
}

func TestHub_PublishWithoutRun(t *testing.T) {
	hub := NewHub(nil, zap.NewNop())

	// 队列满时丢弃而不是阻塞
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Publish(domain.DeliveryEvent{UploadID: "upload-1", Stage: domain.StageStored})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}
