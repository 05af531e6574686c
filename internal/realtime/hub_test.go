package realtime

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/commsync/commsync/internal/platform/messagebroker"
)

type noopBroker struct{}

func (noopBroker) Publish(ctx context.Context, subject string, data []byte) error { return nil }
func (noopBroker) SubscribeToSubjectWithQueue(ctx context.Context, subject, queueGroup string, handler func(msg messagebroker.Message)) (messagebroker.Subscription, error) {
	return nil, nil
}
func (noopBroker) Close() {}

func TestHubBroadcastReachesWorkspaceClients(t *testing.T) {
	hub := NewHub(noopBroker{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	workspaceID := uuid.New()
	conn, _, err := websocket.Dial(ctx, server.URL+"?workspace="+workspaceID.String(), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool {
		return hub.ClientCount(workspaceID) == 1
	}, time.Second, 10*time.Millisecond)

	// An event for a different workspace must not reach this client.
	hub.Broadcast(uuid.New(), []byte(`{"kind":"other"}`))
	hub.Broadcast(workspaceID, []byte(`{"kind":"message.received"}`))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"message.received"}`, string(data))
}

func TestHubRequiresWorkspace(t *testing.T) {
	hub := NewHub(noopBroker{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server := httptest.NewServer(hub)
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, resp, err := websocket.Dial(ctx, server.URL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, 400, resp.StatusCode)
	}
}
