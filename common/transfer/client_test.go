package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearline/retriever/common/models"
)

type testLogger struct {
	t *testing.T
}

func (l *testLogger) Info(msg string, kv ...interface{})  { l.t.Logf("[INFO] %s %v", msg, kv) }
func (l *testLogger) Error(msg string, kv ...interface{}) { l.t.Logf("[ERROR] %s %v", msg, kv) }
func (l *testLogger) Warn(msg string, kv ...interface{})  { l.t.Logf("[WARN] %s %v", msg, kv) }
func (l *testLogger) Debug(msg string, kv ...interface{}) { l.t.Logf("[DEBUG] %s %v", msg, kv) }

func descriptorFor(url string) models.ResourceDescriptor {
	return models.ResourceDescriptor{
		Token:          "test-token",
		LeafResourceID: "data/pi0.txt",
		TransferURL:    url,
	}
}

func TestFetch_SuccessCarriesRequestBodyAndFilename(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token          string `json:"token"`
			LeafResourceID string `json:"leafResourceId"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-token", req.Token)
		assert.Equal(t, "data/pi0.txt", req.LeafResourceID)

		w.Header().Set("Content-Disposition", `attachment; filename="pi0.txt"`)
		w.Write([]byte("3.14159"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	dl, err := client.Fetch(context.Background(), descriptorFor(srv.URL))
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, "pi0.txt", dl.Filename)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "3.14159", string(data))
}

func TestFetch_MissingDispositionLeavesFilenameEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	dl, err := client.Fetch(context.Background(), descriptorFor(srv.URL))
	require.NoError(t, err)
	defer dl.Close()

	assert.Empty(t, dl.Filename)
}

func TestFetch_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	_, err := client.Fetch(context.Background(), descriptorFor(srv.URL))

	var notFound *ResourceNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, `Resource "data/pi0.txt" not found`, err.Error())
}

func TestFetch_FailureWithoutBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	_, err := client.Fetch(context.Background(), descriptorFor(srv.URL))

	var failed *TransferFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, 500, failed.StatusCode)
	assert.Equal(t, fmt.Sprintf("Request to %s failed (500) with no body", srv.URL), err.Error())
}

func TestFetch_FailureWithBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("body"))
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	_, err := client.Fetch(context.Background(), descriptorFor(srv.URL))

	var failed *TransferFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, fmt.Sprintf("Request to %s failed (502) with body:\nbody", srv.URL), err.Error())
}

func TestFetch_CloseReleasesConnectionEarly(t *testing.T) {
	// A body larger than any transport buffer so the server write would
	// stall if the client never drained or closed
	payload := make([]byte, 8<<20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	client := NewClient(5*time.Second, &testLogger{t})
	dl, err := client.Fetch(context.Background(), descriptorFor(srv.URL))
	require.NoError(t, err)

	// Read a little, then abandon the rest
	buf := make([]byte, 1024)
	_, err = dl.Body.Read(buf)
	require.NoError(t, err)

	require.NoError(t, dl.Close())

	_, err = dl.Body.Read(buf)
	assert.Error(t, err)
}
