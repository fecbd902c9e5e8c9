package refinery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	result Result
	err    error
}

func (f fakeClient) Refine(ctx context.Context, req Request) (Result, error) {
	return f.result, f.err
}

func TestRefinePassesAllThresholds(t *testing.T) {
	c := New(fakeClient{result: Result{
		Refined: "ok",
		Metrics: Metrics{FissionCoverage: 0.9, FusionConsensus: 0.8, Acceptance: 0.7},
	}})
	res, err := c.Refine(context.Background(), Request{Questions: []string{"q"}, Answers: []string{"a"}})
	require.NoError(t, err)
	assert.True(t, res.GatePassed)
	assert.GreaterOrEqual(t, res.DurationMS, int64(0))
}

func TestRefineFailsBelowAnyThreshold(t *testing.T) {
	c := New(fakeClient{result: Result{
		Metrics: Metrics{FissionCoverage: 0.5, FusionConsensus: 0.8, Acceptance: 0.7},
	}})
	res, err := c.Refine(context.Background(), Request{})
	require.NoError(t, err)
	assert.False(t, res.GatePassed)
}

func TestRefinePropagatesClientError(t *testing.T) {
	c := New(fakeClient{err: errors.New("transport down")})
	_, err := c.Refine(context.Background(), Request{})
	require.Error(t, err)
}

func TestHTTPClientPostsRequestAndDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []string{"q"}, req.Questions)
		_ = json.NewEncoder(w).Encode(Result{
			Refined: "ok",
			Metrics: Metrics{FissionCoverage: 0.9, FusionConsensus: 0.8, Acceptance: 0.7},
		})
	}))
	defer srv.Close()

	c := New(&HTTPClient{URL: srv.URL})
	res, err := c.Refine(context.Background(), Request{Questions: []string{"q"}, Answers: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Refined)
	assert.True(t, res.GatePassed)
}

func TestHTTPClientErrorsOnNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(&HTTPClient{URL: srv.URL})
	_, err := c.Refine(context.Background(), Request{})
	require.Error(t, err)
}
