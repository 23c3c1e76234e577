package shard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/workersql/workersql/protocol"
)

// newTestClient wires an HTTPClient to an httptest server, replacing the
// h2c transport which the test server does not speak.
func newTestClient(t *testing.T, handler http.Handler) (*HTTPClient, *httptest.Server) {
	var srv = httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	var addrs = NewAddressMap()
	addrs.Set("shard-a", srv.URL)

	var c = NewHTTPClient(addrs)
	c.HTTP = srv.Client()
	c.Retry.InitialInterval = time.Millisecond
	c.Retry.MaxElapsed = time.Second
	return c, srv
}

func TestAddressMapParsing(t *testing.T) {
	var addrs = NewAddressMap()
	require.NoError(t, addrs.ParseAddressFlag("shard-0=http://h0:9000"))
	require.NoError(t, addrs.ParseAddressFlag("shard-1=http://h1:9000"))
	require.Error(t, addrs.ParseAddressFlag("shard-0"))
	require.Error(t, addrs.ParseAddressFlag("=http://h"))

	var addr, err = addrs.Address("shard-1")
	require.NoError(t, err)
	require.Equal(t, "http://h1:9000", addr)

	_, err = addrs.Address("shard-9")
	require.Equal(t, protocol.CodeInternal, protocol.CodeOf(err))

	require.Equal(t, []string{"shard-0", "shard-1"}, addrs.Shards())
}

func TestExecuteRoundTrip(t *testing.T) {
	var c, _ = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/execute", r.URL.Path)

		var req protocol.ExecuteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "SELECT * FROM users", req.SQL)

		json.NewEncoder(w).Encode(protocol.ExecuteResponse{
			Rows:    json.RawMessage(`[{"id":1}]`),
			Version: 42,
		})
	}))

	var resp, err = c.Execute(context.Background(), "shard-a",
		protocol.ExecuteRequest{SQL: "SELECT * FROM users"})
	require.NoError(t, err)
	require.Equal(t, uint64(42), resp.Version)
	require.JSONEq(t, `[{"id":1}]`, string(resp.Rows))
}

func TestPermanentErrorsDoNotRetry(t *testing.T) {
	var calls int32
	var c, _ = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(protocol.NewError(protocol.CodeInvalidQuery, "no such table"))
	}))

	var _, err = c.Execute(context.Background(), "shard-a",
		protocol.ExecuteRequest{SQL: "SELECT * FROM nope"})
	require.Equal(t, protocol.CodeInvalidQuery, protocol.CodeOf(err))
	require.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTransientErrorsRetryUntilSuccess(t *testing.T) {
	var calls int32
	var c, _ = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(protocol.NewError(protocol.CodeConnectionError, "warming up"))
			return
		}
		json.NewEncoder(w).Encode(protocol.ExecuteResponse{Version: 7})
	}))

	var resp, err = c.Execute(context.Background(), "shard-a",
		protocol.ExecuteRequest{SQL: "SELECT 1"})
	require.NoError(t, err)
	require.Equal(t, uint64(7), resp.Version)
	require.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestErrorEnvelopeFallsBackToStatus(t *testing.T) {
	var c, _ = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "plain text failure", http.StatusForbidden)
	}))

	var _, err = c.Tables(context.Background(), "shard-a")
	require.Equal(t, protocol.CodePermissionError, protocol.CodeOf(err))
}

func TestDeadlinePropagates(t *testing.T) {
	var c, _ = newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	c.Retry = RetryConfig{} // disabled

	var ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var _, err = c.Status(ctx, "shard-a")
	require.Equal(t, protocol.CodeTimeout, protocol.CodeOf(err))
}

func TestUnknownShardFailsFast(t *testing.T) {
	var c = NewHTTPClient(NewAddressMap())
	var _, err = c.Status(context.Background(), "shard-x")
	require.Equal(t, protocol.CodeInternal, protocol.CodeOf(err))
}
