package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimit_ResearchWindow(t *testing.T) {
	researcher := &fakeResearcher{runResult: sampleResult()}
	srv := newTestServer(&fakeStore{}, researcher)
	router := srv.Router()

	body := ResearchRequest{Query: "explain go channels", Mode: "quick"}
	for i := 0; i < researchRateLimit; i++ {
		rec := doJSON(t, router, http.MethodPost, "/research", body)
		require.Equal(t, http.StatusOK, rec.Code, "request %d should be admitted", i+1)
	}

	rec := doJSON(t, router, http.MethodPost, "/research", body)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var envelope ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "rate_limit", envelope.Error)

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, retryAfter, 1)
}

func TestRateLimit_WindowsAreIndependent(t *testing.T) {
	researcher := &fakeResearcher{runResult: sampleResult()}
	srv := newTestServer(&fakeStore{history: nil, total: 0}, researcher)
	router := srv.Router()

	body := ResearchRequest{Query: "explain go channels", Mode: "quick"}
	for i := 0; i <= researchRateLimit; i++ {
		doJSON(t, router, http.MethodPost, "/research", body)
	}

	// Research window is spent; reads keep their own budget.
	rec := doJSON(t, router, http.MethodGet, "/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_HealthHasNoAdmission(t *testing.T) {
	srv := newTestServer(&fakeStore{}, &fakeResearcher{})
	router := srv.Router()

	for i := 0; i < historyRateLimit+10; i++ {
		rec := doJSON(t, router, http.MethodGet, "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{0, 1},
		{300 * time.Millisecond, 1},
		{time.Second, 1},
		{time.Second + time.Millisecond, 2},
		{59*time.Second + 500*time.Millisecond, 60},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryAfterSeconds(tt.in), "retryAfterSeconds(%v)", tt.in)
	}
}
