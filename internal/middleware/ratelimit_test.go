package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRateLimit_AllowsWithinBurstThenRejects(t *testing.T) {
	f := newRateLimitFactory()
	inst, _ := f(map[string]any{"requests_per_minute": 60, "burst_size": 1})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	_, resp, err := inst.PreRequest(context.Background(), req)
	if err != nil || resp != nil {
		t.Fatalf("first request should be allowed, got resp=%+v err=%v", resp, err)
	}

	_, resp, err = inst.PreRequest(context.Background(), req)
	if err != nil {
		t.Fatalf("PreRequest: %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("second immediate request should be rate limited, got %+v", resp)
	}
}

func TestRateLimit_WhitelistBypassesLimiter(t *testing.T) {
	f := newRateLimitFactory()
	inst, _ := f(map[string]any{"requests_per_minute": 60, "burst_size": 1, "whitelist": []any{"10.0.0.1"}})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	for i := 0; i < 5; i++ {
		_, resp, err := inst.PreRequest(context.Background(), req)
		if err != nil || resp != nil {
			t.Fatalf("whitelisted key should never be limited, got resp=%+v err=%v", resp, err)
		}
	}
}

func TestRateLimit_SeparateKeysHaveSeparateBuckets(t *testing.T) {
	f := newRateLimitFactory()
	inst, _ := f(map[string]any{"requests_per_minute": 60, "burst_size": 1})

	req1 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req1.RemoteAddr = "10.0.0.1:1111"
	req2 := httptest.NewRequest(http.MethodGet, "/x", nil)
	req2.RemoteAddr = "10.0.0.2:2222"

	if _, resp, _ := inst.PreRequest(context.Background(), req1); resp != nil {
		t.Fatalf("req1 first call should be allowed, got %+v", resp)
	}
	if _, resp, _ := inst.PreRequest(context.Background(), req2); resp != nil {
		t.Fatalf("req2 should have its own bucket, got %+v", resp)
	}
}
