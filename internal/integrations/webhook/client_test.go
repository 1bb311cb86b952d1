package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"message-aggregator/internal/domain"
)

func testBatch() domain.AggregatedBatch {
	return domain.AggregatedBatch{
		UserID:         "user1",
		ConversationID: "conv1",
		ChatbotID:      "bot1",
		Timestamp:      1760000000000,
		Messages:       []json.RawMessage{json.RawMessage(`"hi"`), json.RawMessage(`{"text":"there"}`)},
	}
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestClient(opts ...Option) *Client {
	return NewClient(append([]Option{WithBackOff(fastBackOff)}, opts...)...)
}

func TestDeliver_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var got domain.AggregatedBatch
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		require.Equal(t, "bot1", got.ChatbotID)
		require.Len(t, got.Messages, 2)
		require.JSONEq(t, `{"text":"there"}`, string(got.Messages[1]))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"received":true}`))
	}))
	defer srv.Close()

	res, err := newTestClient().Deliver(context.Background(), srv.URL, testBatch())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, `{"received":true}`, res.Body)
	require.Equal(t, 1, res.Attempts)
}

func TestDeliver_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	res, err := newTestClient(WithMaxAttempts(3)).Deliver(context.Background(), srv.URL, testBatch())
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempts)
	require.Equal(t, http.StatusAccepted, res.StatusCode)
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("down"))
	}))
	defer srv.Close()

	res, err := newTestClient(WithMaxAttempts(2)).Deliver(context.Background(), srv.URL, testBatch())
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Equal(t, int32(2), calls.Load())

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusServiceUnavailable, statusErr.HTTPStatusCode())
	require.Equal(t, "down", statusErr.Body)
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := newTestClient(WithMaxAttempts(5)).Deliver(context.Background(), srv.URL, testBatch())
	require.Error(t, err)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	require.Equal(t, int32(1), calls.Load())
	require.Contains(t, err.Error(), "unexpected status 404")
}

func TestDeliver_TooManyRequestsIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	res, err := newTestClient().Deliver(context.Background(), srv.URL, testBatch())
	require.NoError(t, err)
	require.Equal(t, 2, res.Attempts)
}

func TestDeliver_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	res, err := newTestClient(WithMaxAttempts(2)).Deliver(context.Background(), url, testBatch())
	require.Error(t, err)
	require.False(t, res.Success)
	require.Equal(t, 2, res.Attempts)
	require.Zero(t, res.StatusCode)

	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
	var statusErr *HTTPStatusError
	require.False(t, errors.As(err, &statusErr))
}

func TestDeliver_TimeoutCountsAsUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	_, err := newTestClient(WithMaxAttempts(1), WithTimeout(50*time.Millisecond)).Deliver(context.Background(), srv.URL, testBatch())
	var unreachable *UnreachableError
	require.ErrorAs(t, err, &unreachable)
}

func TestDeliver_EmptyURL(t *testing.T) {
	_, err := newTestClient().Deliver(context.Background(), " ", testBatch())
	require.ErrorContains(t, err, "url must not be empty")
}

func TestDeliver_MalformedURLIsPermanent(t *testing.T) {
	res, err := newTestClient(WithMaxAttempts(3)).Deliver(context.Background(), "http://[::1", testBatch())
	require.Error(t, err)
	require.Equal(t, 1, res.Attempts)
	require.Contains(t, err.Error(), "create request")
}
