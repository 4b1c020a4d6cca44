package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/maxpert/tailstream/cfg"
	"github.com/maxpert/tailstream/notify"
	"github.com/maxpert/tailstream/store/pebblestore"
	"github.com/maxpert/tailstream/stream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	t      *testing.T
	broker *stream.Broker
	srv    *httptest.Server
}

func newTestServer(t *testing.T, opts Options) *testServer {
	t.Helper()
	st, err := pebblestore.Open(filepath.Join(t.TempDir(), "streams"), pebblestore.Options{MemTableSize: 4 << 20})
	require.NoError(t, err)
	b, err := stream.NewBroker(context.Background(), stream.BrokerConfig{Store: st, Notifier: notify.NewHub()})
	require.NoError(t, err)

	mux := http.NewServeMux()
	RegisterRoutes(mux, NewHandlers(b, opts))
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		srv.Close()
		_ = b.Close()
	})
	return &testServer{t: t, broker: b, srv: srv}
}

func (ts *testServer) do(method, path, subscriber string, body []byte) (int, []byte) {
	ts.t.Helper()
	req, err := http.NewRequest(method, ts.srv.URL+path, bytes.NewReader(body))
	require.NoError(ts.t, err)
	if subscriber != "" {
		req.Header.Set(SubscriberHeader, subscriber)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(ts.t, err)
	return resp.StatusCode, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func TestStreamLifecycle(t *testing.T) {
	ts := newTestServer(t, Options{})

	status, body := ts.do(http.MethodPost, "/v1/streams/orders", "", nil)
	require.Equal(t, http.StatusCreated, status, string(body))
	info := decode[streamJSON](t, body)
	assert.Equal(t, stream.StreamID("orders"), info.Name)
	assert.Equal(t, uint64(0), info.Tail)

	status, _ = ts.do(http.MethodPost, "/v1/streams/orders", "", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.do(http.MethodGet, "/v1/streams", "", nil)
	require.Equal(t, http.StatusOK, status)
	list := decode[[]streamJSON](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, stream.StreamID("orders"), list[0].Name)

	status, _ = ts.do(http.MethodDelete, "/v1/streams/orders", "", nil)
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = ts.do(http.MethodGet, "/v1/streams/orders", "", nil)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(http.MethodDelete, "/v1/streams/orders", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInvalidStreamName(t *testing.T) {
	ts := newTestServer(t, Options{})
	status, body := ts.do(http.MethodPost, "/v1/streams/bad$name", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, string(body), "error")
}

func TestCreateSession(t *testing.T) {
	ts := newTestServer(t, Options{NodeID: 7})

	status, body := ts.do(http.MethodPost, "/v1/sessions", "", nil)
	require.Equal(t, http.StatusCreated, status)
	resp := decode[sessionResponse](t, body)
	assert.True(t, strings.HasPrefix(string(resp.Subscriber), "0000000000000007-"))
	assert.Contains(t, ts.broker.Sessions(), resp.Subscriber)

	status, _ = ts.do(http.MethodDelete, "/v1/sessions", string(resp.Subscriber), nil)
	assert.Equal(t, http.StatusNoContent, status)
	assert.NotContains(t, ts.broker.Sessions(), resp.Subscriber)
}

func TestSubscribeReadUnsubscribe(t *testing.T) {
	ts := newTestServer(t, Options{})
	_, err := ts.broker.CreateStream(context.Background(), "orders")
	require.NoError(t, err)

	// Missing identity
	status, _ := ts.do(http.MethodPost, "/v1/streams/orders/subscription", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	// Not yet subscribed
	status, _ = ts.do(http.MethodGet, "/v1/streams/orders/events", "A", nil)
	assert.Equal(t, http.StatusPreconditionFailed, status)

	status, body := ts.do(http.MethodPost, "/v1/streams/orders/subscription", "A", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(0), decode[map[string]uint64](t, body)["cursor"])

	status, _ = ts.do(http.MethodPost, "/v1/streams/orders/subscription", "A", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, body = ts.do(http.MethodPost, "/v1/streams/orders/events", "", []byte("hello"))
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, uint64(1), decode[map[string]uint64](t, body)["sequence"])

	status, body = ts.do(http.MethodPost, "/v1/streams/orders/batch", "", []byte(`{"payloads":["YQ==","Yg=="]}`))
	require.Equal(t, http.StatusOK, status, string(body))
	assert.Equal(t, []uint64{2, 3}, decode[map[string][]uint64](t, body)["sequences"])

	status, body = ts.do(http.MethodGet, "/v1/streams/orders/events", "A", nil)
	require.Equal(t, http.StatusOK, status)
	read := decode[readResponse](t, body)
	require.Len(t, read.Events, 3)
	assert.Equal(t, uint64(1), read.Events[0].Sequence)
	assert.Equal(t, []byte("hello"), read.Events[0].Payload)
	assert.Equal(t, []byte("a"), read.Events[1].Payload)
	assert.Equal(t, []byte("b"), read.Events[2].Payload)

	// Consumed
	status, body = ts.do(http.MethodGet, "/v1/streams/orders/events", "A", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[readResponse](t, body).Events)

	status, _ = ts.do(http.MethodDelete, "/v1/streams/orders/subscription", "A", nil)
	assert.Equal(t, http.StatusNoContent, status)
	status, _ = ts.do(http.MethodDelete, "/v1/streams/orders/subscription", "A", nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestLongPollRead(t *testing.T) {
	ts := newTestServer(t, Options{MaxWait: 5 * time.Second})
	ctx := context.Background()
	_, err := ts.broker.CreateStream(ctx, "orders")
	require.NoError(t, err)

	status, _ := ts.do(http.MethodPost, "/v1/streams/orders/subscription", "A", nil)
	require.Equal(t, http.StatusOK, status)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = ts.broker.Append(ctx, "orders", []byte("late"))
	}()

	start := time.Now()
	status, body := ts.do(http.MethodGet, "/v1/streams/orders/events?wait=4s", "A", nil)
	require.Equal(t, http.StatusOK, status)
	read := decode[readResponse](t, body)
	require.Len(t, read.Events, 1)
	assert.Equal(t, []byte("late"), read.Events[0].Payload)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestLongPollTimesOutEmpty(t *testing.T) {
	ts := newTestServer(t, Options{MaxWait: 50 * time.Millisecond})
	_, err := ts.broker.CreateStream(context.Background(), "orders")
	require.NoError(t, err)
	status, _ := ts.do(http.MethodPost, "/v1/streams/orders/subscription", "A", nil)
	require.Equal(t, http.StatusOK, status)

	// Clamped to MaxWait
	start := time.Now()
	status, body := ts.do(http.MethodGet, "/v1/streams/orders/events?wait=1h", "A", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, decode[readResponse](t, body).Events)
	assert.Less(t, time.Since(start), 30*time.Second)

	status, _ = ts.do(http.MethodGet, "/v1/streams/orders/events?wait=soon", "A", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAppendLimits(t *testing.T) {
	ts := newTestServer(t, Options{MaxPayloadBytes: 8})
	_, err := ts.broker.CreateStream(context.Background(), "orders")
	require.NoError(t, err)

	status, _ := ts.do(http.MethodPost, "/v1/streams/orders/events", "", []byte("0123456789"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, status)

	status, _ = ts.do(http.MethodPost, "/v1/streams/missing/events", "", []byte("x"))
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(http.MethodPost, "/v1/streams/orders/batch", "", []byte(`{"payloads":[]}`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = ts.do(http.MethodPost, "/v1/streams/orders/batch", "", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestClosedBroker(t *testing.T) {
	ts := newTestServer(t, Options{})
	require.NoError(t, ts.broker.Close())

	status, _ := ts.do(http.MethodGet, "/v1/streams", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestAuthMiddleware(t *testing.T) {
	prev := cfg.Config.Auth.Secret
	cfg.Config.Auth.Secret = "s3cret"
	t.Cleanup(func() { cfg.Config.Auth.Secret = prev })

	ts := newTestServer(t, Options{})

	get := func(header, value string) int {
		req, err := http.NewRequest(http.MethodGet, ts.srv.URL+"/v1/streams", nil)
		require.NoError(t, err)
		if header != "" {
			req.Header.Set(header, value)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusUnauthorized, get("", ""))
	assert.Equal(t, http.StatusUnauthorized, get(SecretHeader, "wrong"))
	assert.Equal(t, http.StatusUnauthorized, get("Authorization", "Basic s3cret"))
	assert.Equal(t, http.StatusOK, get(SecretHeader, "s3cret"))
	assert.Equal(t, http.StatusOK, get("Authorization", "Bearer s3cret"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{stream.ErrAlreadySubscribed, http.StatusConflict},
		{stream.ErrStreamExists, http.StatusConflict},
		{stream.ErrNotSubscribed, http.StatusPreconditionFailed},
		{stream.ErrStreamNotFound, http.StatusNotFound},
		{stream.ErrInvalidStreamID, http.StatusBadRequest},
		{stream.ErrInvalidSubscriberID, http.StatusBadRequest},
		{stream.ErrClosed, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), "%v", tt.err)
	}
}
