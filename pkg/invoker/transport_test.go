package invoker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

func descriptorForServer(t *testing.T, srv *httptest.Server) models.ServiceDescriptor {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return models.ServiceDescriptor{
		Name:      "http-svc",
		Host:      u.Hostname(),
		Port:      port,
		Transport: models.TransportHTTP,
	}
}

func TestHTTPTransportRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/invoke", r.URL.Path)
		var req wireRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "play_music", req.Intent)

		json.NewEncoder(w).Encode(wireResponse{Success: true, Response: "now playing"})
	}))
	defer srv.Close()

	inv := New(srv.Client(), nil, nil)
	resp, err := inv.Invoke(context.Background(), descriptorForServer(t, srv),
		models.IntentPlayMusic, map[string]any{"genre": "jazz"}, time.Time{}, nil)

	require.NoError(t, err)
	assert.Equal(t, "now playing", resp.Payload)
}

func TestHTTPTransportServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(wireResponse{Success: false, Error: "unsupported genre"})
	}))
	defer srv.Close()

	inv := New(srv.Client(), nil, nil)
	_, err := inv.Invoke(context.Background(), descriptorForServer(t, srv),
		models.IntentPlayMusic, nil, time.Time{}, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrServiceError, models.KindOf(err))
}

func TestHTTPTransportDeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	inv := New(srv.Client(), nil, nil)
	_, err := inv.Invoke(context.Background(), descriptorForServer(t, srv),
		models.IntentPlayMusic, nil, time.Now().Add(30*time.Millisecond), nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrTimedOut, models.KindOf(err))
}

func TestHTTPTransportConnectionRefusedIsTransportError(t *testing.T) {
	inv := New(&http.Client{Timeout: 200 * time.Millisecond}, nil, nil)
	d := models.ServiceDescriptor{Name: "gone", Host: "127.0.0.1", Port: 1, Transport: models.TransportHTTP}

	_, err := inv.Invoke(context.Background(), d, models.IntentPlayMusic, nil, time.Time{}, nil)

	require.Error(t, err)
	assert.Equal(t, models.ErrTransportError, models.KindOf(err))
}
