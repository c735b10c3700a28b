package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-sync/internal/ierr"
	"marketplace-sync/pkg/logger"
)

type staticTokens string

func (s staticTokens) Token() string                     { return string(s) }
func (s staticTokens) Expiry() (time.Time, bool)          { return time.Time{}, false }
func (s staticTokens) Clear()                             {}
func (s staticTokens) Watch(func(string)) (cancel func()) { return func() {} }

type reporter struct {
	reasons []string
}

func (r *reporter) ReportUnauthorized(reason string) { r.reasons = append(r.reasons, reason) }

func newServer(t *testing.T) *httptest.Server {
	r := mux.NewRouter()

	r.HandleFunc("/auctions/{id}", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token expired"}`))
			return
		}
		id := mux.Vars(req)["id"]
		if id == "gone" {
			http.Error(w, "auction not found", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": id, "current_highest_bid": 100})
	}).Methods(http.MethodGet)

	r.HandleFunc("/auctions/{id}/bids", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Amount float64 `json:"amount"`
		}
		raw, _ := io.ReadAll(req.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))

		if body.Amount < 110 {
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"code":"bid_too_low","message":"bid too low"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"id": mux.Vars(req)["id"], "current_highest_bid": body.Amount})
	}).Methods(http.MethodPost)

	r.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClient_Get(t *testing.T) {
	srv := newServer(t)
	c := NewHTTPClient(srv.URL+"/", staticTokens("tok"), nil, logger.NewNop())

	raw, err := c.Get(context.Background(), "/auctions/A1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"A1","current_highest_bid":100}`, string(raw))

	_, err = c.Get(context.Background(), "/auctions/gone")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeNotFound))
	assert.Contains(t, err.Error(), "auction not found")
}

func TestHTTPClient_ServerMessageIsKept(t *testing.T) {
	srv := newServer(t)
	c := NewHTTPClient(srv.URL, staticTokens("tok"), nil, logger.NewNop())

	_, err := c.Do(context.Background(), http.MethodPost, "/auctions/A1/bids", map[string]float64{"amount": 105})
	require.Error(t, err)
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeFailedPrecondition))

	var apiErr ierr.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "bid too low", apiErr.Message)

	raw, err := c.Do(context.Background(), http.MethodPost, "/auctions/A1/bids", map[string]float64{"amount": 150})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"A1","current_highest_bid":150}`, string(raw))
}

func TestHTTPClient_UnauthorizedIsReported(t *testing.T) {
	srv := newServer(t)
	rep := &reporter{}
	c := NewHTTPClient(srv.URL, staticTokens("stale"), rep, logger.NewNop())

	_, err := c.Get(context.Background(), "/auctions/A1")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeUnauthenticated))
	assert.Contains(t, err.Error(), "token expired")
	require.Len(t, rep.reasons, 1)
	assert.Contains(t, rep.reasons[0], "401")
}

func TestHTTPClient_TransportErrors(t *testing.T) {
	srv := newServer(t)
	c := NewHTTPClient(srv.URL, nil, nil, logger.NewNop(), WithTimeout(time.Second))

	_, err := c.Get(context.Background(), "/flaky")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeUnavailable))
	assert.Contains(t, err.Error(), http.StatusText(http.StatusServiceUnavailable))

	closed := httptest.NewServer(http.NotFoundHandler())
	closed.Close()
	c = NewHTTPClient(closed.URL, nil, nil, logger.NewNop())
	_, err = c.Get(context.Background(), "/auctions/A1")
	assert.True(t, ierr.IsCode(err, ierr.ErrorCodeUnavailable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Get(ctx, "/auctions/A1")
	assert.ErrorIs(t, err, context.Canceled)
}
