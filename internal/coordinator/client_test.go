package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/computeshare/internal/core"
)

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.RequestTimeout = 2 * time.Second
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialInterval = time.Millisecond
	cfg.Retry.MaxInterval = 5 * time.Millisecond
	cfg.Breaker.FailureThreshold = 10
	cfg.Breaker.OpenTimeout = time.Minute
	return cfg
}

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(testConfig(srv.URL), nil)
	require.NoError(t, err)
	return c, srv
}

func TestNew_InvalidURL(t *testing.T) {
	_, err := New(DefaultConfig("not a url"), nil)
	assert.Error(t, err)
}

func TestRegister_Success(t *testing.T) {
	var got core.Registration
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, PathRegister, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	reg := core.Registration{WorkerID: "w1", PubKey: "a2V5", Capabilities: core.DefaultCapabilities}
	require.NoError(t, c.Register(context.Background(), reg))
	assert.Equal(t, reg, got)
}

func TestRegister_RejectedIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "Invalid public key", http.StatusBadRequest)
	})

	err := c.Register(context.Background(), core.Registration{WorkerID: "w1"})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeRegistrationRejected))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchTask(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		wantNil bool
	}{
		{"NoContent", http.StatusNoContent, "", true},
		{"EmptyBody", http.StatusOK, "  \n", true},
		{"UnknownWorker", http.StatusNotFound, "Unknown worker", true},
		{"Task", http.StatusOK, `{"id":"t9","operation":"double","input":4,"price":1,"kind":"arithmetic"}`, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, PathGetTask, r.URL.Path)
				assert.Equal(t, "w1", r.Header.Get(HeaderWorkerID))
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			})

			task, err := c.FetchTask(context.Background(), "w1")
			require.NoError(t, err)
			if tc.wantNil {
				assert.Nil(t, task)
				return
			}
			require.NotNil(t, task)
			assert.Equal(t, "t9", task.ID)
			assert.Equal(t, core.OpDouble, task.Operation)
			assert.Equal(t, 4.0, task.Input)
		})
	}
}

func TestFetchTask_InvalidBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"t1","operation":"cube"}`))
	})
	_, err := c.FetchTask(context.Background(), "w1")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeInvalidTask))
}

func TestSubmitResult_RetriesTransientStatus(t *testing.T) {
	var hits atomic.Int32
	var got core.Submission
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	})

	kind := "arithmetic"
	sub := core.Submission{ID: "t1", Worker: "w1", Output: 8, Signature: "c2ln", PubKey: "a2V5", Kind: &kind}
	require.NoError(t, c.SubmitResult(context.Background(), sub))
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, sub, got)
}

func TestSubmitResult_Rejected(t *testing.T) {
	testCases := []struct {
		name     string
		status   int
		wantHits int32
	}{
		{"Unauthorized", http.StatusUnauthorized, 1},
		{"PersistentServerError", http.StatusInternalServerError, 4}, // 1 attempt + 3 retries
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var hits atomic.Int32
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				hits.Add(1)
				http.Error(w, "Signature verification failed", tc.status)
			})

			err := c.SubmitResult(context.Background(), core.Submission{ID: "t1"})
			require.Error(t, err)
			assert.True(t, core.IsCode(err, core.ErrCodeSubmissionRejected))
			assert.Equal(t, tc.wantHits, hits.Load())

			var we *core.WorkerError
			require.True(t, errors.As(err, &we))
			assert.Equal(t, tc.status, we.Fields["status"])
		})
	}
}

func TestBalance(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, PathBalance, r.URL.Path)
		assert.Equal(t, "worker node", r.URL.Query().Get("worker"))
		_, _ = w.Write([]byte(`{"trust":11,"token":4}`))
	})

	balance, err := c.Balance(context.Background(), "worker node")
	require.NoError(t, err)
	assert.Equal(t, core.Balance{Trust: 11, Tokens: 4}, balance)
}

func TestBalance_Failure(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	_, err := c.Balance(context.Background(), "w1")
	assert.True(t, core.IsCode(err, core.ErrCodeCoordinatorStatus))
}

func TestUnreachableCoordinator_OpensBreaker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := testConfig(url)
	cfg.Breaker.FailureThreshold = 2
	c, err := New(cfg, nil)
	require.NoError(t, err)

	err = c.Register(context.Background(), core.Registration{WorkerID: "w1"})
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeCircuitOpen))
	assert.Equal(t, gobreaker.StateOpen, c.State(EndpointRegister))
	assert.Equal(t, gobreaker.StateClosed, c.State(EndpointSubmit))
}

func TestUnreachableCoordinator_IOError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := New(testConfig(url), nil)
	require.NoError(t, err)

	_, err = c.FetchTask(context.Background(), "w1")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeCoordinatorIO))
}

func TestCancelledContext(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.FetchTask(ctx, "w1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreakersAreIsolatedPerEndpoint(t *testing.T) {
	var submits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case PathBalance:
			w.WriteHeader(http.StatusInternalServerError)
		case PathSubmit:
			submits.Add(1)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	cfg.Breaker.FailureThreshold = 2
	c, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = c.Balance(context.Background(), "w1")
	require.Error(t, err)
	assert.True(t, core.IsCode(err, core.ErrCodeCircuitOpen))
	assert.Equal(t, gobreaker.StateOpen, c.State(EndpointBalance))

	require.NoError(t, c.SubmitResult(context.Background(), core.Submission{ID: "t1"}))
	task, err := c.FetchTask(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.Equal(t, int32(1), submits.Load())
	assert.Equal(t, gobreaker.StateClosed, c.State(EndpointSubmit))
	assert.Equal(t, gobreaker.StateClosed, c.State(EndpointGetTask))
}
