package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline/retriever/common/brokertest"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

const pollTimeout = 2 * time.Second

func TestPoll_EnumeratesInBrokerOrder(t *testing.T) {
	broker := brokertest.New()
	broker.AddResource(brokertest.Resource{ID: "pi0.txt", Data: []byte("3.1"), SerialisedFormat: "text/plain"})
	broker.AddError("policy warning")
	broker.AddResource(brokertest.Resource{ID: "pi1.txt", Data: []byte("4.1")})
	broker.Start()
	defer broker.Close()

	client, err := Connect(context.Background(), broker.Token(), broker.StreamURL(), &testLogger{t})
	require.NoError(t, err)
	defer client.Close()

	it, err := client.Poll(pollTimeout)
	require.NoError(t, err)
	require.Equal(t, PollResource, it.Kind)
	assert.Equal(t, "pi0.txt", it.Resource.LeafResourceID)
	assert.Equal(t, broker.Token(), it.Resource.Token)
	assert.Equal(t, "text/plain", it.Resource.SerialisedFormat)
	assert.NotEmpty(t, it.Resource.TransferURL)

	it, err = client.Poll(pollTimeout)
	require.NoError(t, err)
	require.Equal(t, PollError, it.Kind)
	assert.Equal(t, "policy warning", it.ErrText)

	it, err = client.Poll(pollTimeout)
	require.NoError(t, err)
	require.Equal(t, PollResource, it.Kind)
	assert.Equal(t, "pi1.txt", it.Resource.LeafResourceID)

	it, err = client.Poll(pollTimeout)
	require.NoError(t, err)
	assert.Equal(t, PollComplete, it.Kind)
}

func TestPoll_EmptyStreamCompletesWithoutCTS(t *testing.T) {
	broker := brokertest.New()
	broker.Start()
	defer broker.Close()

	client, err := Connect(context.Background(), broker.Token(), broker.StreamURL(), &testLogger{t})
	require.NoError(t, err)
	defer client.Close()

	it, err := client.Poll(pollTimeout)
	require.NoError(t, err)
	assert.Equal(t, PollComplete, it.Kind)
}

func TestPoll_AfterCompleteReturnsCompleteImmediately(t *testing.T) {
	broker := brokertest.New()
	broker.Start()
	defer broker.Close()

	client, err := Connect(context.Background(), broker.Token(), broker.StreamURL(), &testLogger{t})
	require.NoError(t, err)
	defer client.Close()

	it, err := client.Poll(pollTimeout)
	require.NoError(t, err)
	require.Equal(t, PollComplete, it.Kind)

	// Subsequent polls must not wait
	start := time.Now()
	it, err = client.Poll(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, PollComplete, it.Kind)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPoll_TimesOutWhenBrokerSilent(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		// Swallow CTS messages without ever replying
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	url := strings.Replace(srv.URL, "http://", "ws://", 1)
	client, err := Connect(context.Background(), "tok", url, &testLogger{t})
	require.NoError(t, err)
	defer client.Close()

	it, err := client.Poll(50 * time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, PollTimeout, it.Kind)
}

func TestPoll_DisconnectBeforeCompleteIsInterruption(t *testing.T) {
	broker := brokertest.New()
	broker.AddResource(brokertest.Resource{ID: "pi0.txt", Data: []byte("3.1")})
	broker.AddResource(brokertest.Resource{ID: "pi1.txt", Data: []byte("4.1")})
	broker.DropStreamAfter(1)
	broker.Start()
	defer broker.Close()

	client, err := Connect(context.Background(), broker.Token(), broker.StreamURL(), &testLogger{t})
	require.NoError(t, err)
	defer client.Close()

	it, err := client.Poll(pollTimeout)
	require.NoError(t, err)
	require.Equal(t, PollResource, it.Kind)

	_, err = client.Poll(pollTimeout)
	assert.ErrorIs(t, err, ErrStreamInterrupted)
}

func TestConnect_RejectedToken(t *testing.T) {
	broker := brokertest.New()
	broker.Start()
	defer broker.Close()

	_, err := Connect(context.Background(), "wrong-token", broker.StreamURL(), &testLogger{t})
	assert.Error(t, err)
}

func TestClose_PollFailsAfterClose(t *testing.T) {
	broker := brokertest.New()
	broker.AddResource(brokertest.Resource{ID: "pi0.txt", Data: []byte("3.1")})
	broker.Start()
	defer broker.Close()

	client, err := Connect(context.Background(), broker.Token(), broker.StreamURL(), &testLogger{t})
	require.NoError(t, err)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close()) // idempotent

	// The pump exits on the closed connection; Poll then reports closed
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err = client.Poll(50 * time.Millisecond)
		if err != nil || time.Now().After(deadline) {
			break
		}
	}
	assert.ErrorIs(t, err, ErrStreamClosed)
}
