package feedsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bookerly/recsync/internal/recsync"
)

func testClient(server *httptest.Server) *HTTPClient {
	client := NewHTTPClient(server.URL, "secret", server.Client())
	client.baseDelay = time.Millisecond
	client.maxDelay = 5 * time.Millisecond
	return client
}

func TestListPageDecodesResponse(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		if r.Header.Get("X-Correlation-Id") == "" {
			t.Errorf("missing correlation id header")
		}
		json.NewEncoder(w).Encode(recsync.PageResponse{
			Records: []recsync.Record{{ID: "i1", Status: recsync.StatusPending}},
			Total:   41,
			Limit:   20,
		})
	}))
	defer server.Close()

	resp, err := testClient(server).ListPage(context.Background(), recsync.CategoryInvitation, recsync.FilterCurrent, 2, 20)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if gotPath != "/v1/records/invitation" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotQuery != "filter=current&limit=20&page=2" {
		t.Fatalf("unexpected query %q", gotQuery)
	}
	if gotAuth != "Bearer secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if len(resp.Records) != 1 || resp.Total != 41 || resp.Limit != 20 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestListPageRetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(recsync.PageResponse{Total: 1, Limit: 20})
	}))
	defer server.Close()

	if _, err := testClient(server).ListPage(context.Background(), recsync.CategoryReservation, recsync.FilterCurrent, 1, 20); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestSubmitActionNeverRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := testClient(server).SubmitAction(context.Background(), recsync.CategoryInvitation, "i1", recsync.ActionAccept)
	if err == nil {
		t.Fatalf("expected the failure to surface")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("a state-changing action must be sent exactly once, got %d attempts", got)
	}
}

func TestSubmitActionRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/records/invitation/i1/decline" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]string{"code": "conflict", "message": "already resolved"})
	}))
	defer server.Close()

	_, err := testClient(server).SubmitAction(context.Background(), recsync.CategoryInvitation, "i1", recsync.ActionDecline)
	if !errors.Is(err, recsync.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	var rejection *recsync.RejectionError
	if !errors.As(err, &rejection) || rejection.StatusCode != http.StatusConflict || rejection.Message != "already resolved" {
		t.Fatalf("unexpected rejection: %+v", rejection)
	}
}

func TestAckSeenPostsIDs(t *testing.T) {
	var gotBody struct {
		IDs []string `json:"ids"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/records/friend_request/seen" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	err := testClient(server).AckSeen(context.Background(), recsync.SeenAck{
		Category: recsync.CategoryFriendRequest,
		IDs:      []string{"f1", "f2"},
	})
	if err != nil {
		t.Fatalf("AckSeen: %v", err)
	}
	if len(gotBody.IDs) != 2 || gotBody.IDs[0] != "f1" {
		t.Fatalf("unexpected ack body: %+v", gotBody)
	}
}

func TestServerErrorSurfacesAsHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]string{"code": "internal", "message": "boom"})
	}))
	defer server.Close()

	_, err := testClient(server).ListPage(context.Background(), recsync.CategoryInvitation, recsync.FilterOld, 1, 10)
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HTTPError after exhausted retries, got %v", err)
	}
	if httpErr.StatusCode != http.StatusInternalServerError || httpErr.Code != "internal" {
		t.Fatalf("unexpected error payload: %+v", httpErr)
	}
}

func TestRetryDelayHonorsRetryAfter(t *testing.T) {
	client := NewHTTPClient("http://127.0.0.1:1", "", nil)
	if delay := client.retryDelay(1, "1"); delay != time.Second {
		t.Fatalf("expected Retry-After to win, got %v", delay)
	}
	if delay := client.retryDelay(1, "600"); delay != client.maxDelay {
		t.Fatalf("Retry-After beyond the cap must clamp, got %v", delay)
	}
	if delay := client.retryDelay(10, ""); delay != client.maxDelay {
		t.Fatalf("exponential backoff must clamp at the cap, got %v", delay)
	}
}
