package indexdb

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"packline.ai/internal/pack"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqEvent, event: pack.Event{Kind: pack.EventStarted}}

	s.Emit(pack.Event{Kind: pack.EventSpawned})
	s.Emit(pack.Event{Kind: pack.EventArrived})

	st := s.Stats()
	if st.DropEventTotal != 2 {
		t.Fatalf("DropEventTotal=%d want=2", st.DropEventTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestIngestIndex_RetainsBatchOnFlushFailure(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	applied := 0
	var token string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		thisReq := reqCount
		token = r.Header.Get("x-packline-token")
		mu.Unlock()

		if thisReq <= 3 {
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		var body struct {
			Events []ingestEvent `json:"events"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		mu.Lock()
		applied += len(body.Events)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	idx, err := OpenIngest(IngestConfig{
		Endpoint:      srv.URL,
		Token:         "secret",
		Line:          "line_1",
		BatchSize:     1,
		FlushInterval: 20 * time.Millisecond,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenIngest: %v", err)
	}
	defer func() { _ = idx.Close() }()

	idx.Emit(pack.Event{RunID: "r1", Kind: pack.EventPlaced, Index: 0})

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := applied >= 1
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	finalApplied, finalReqCount, gotToken := applied, reqCount, token
	mu.Unlock()

	if finalApplied < 1 {
		t.Fatalf("expected retained batch to be eventually delivered; applied=%d reqCount=%d", finalApplied, finalReqCount)
	}
	if gotToken != "secret" {
		t.Fatalf("token=%q", gotToken)
	}
	st := idx.Stats()
	if st.FlushFailTotal == 0 {
		t.Fatalf("expected flush failures to be recorded, got 0")
	}
	if st.QueueDroppedTotal != 0 || st.EvictedTotal != 0 {
		t.Fatalf("unexpected drops: %+v", st)
	}
}

func TestOpenIngest_RequiresEndpoint(t *testing.T) {
	if _, err := OpenIngest(IngestConfig{Endpoint: "  "}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}

func TestIngestIndex_RetainedBatchWaitsForTicker(t *testing.T) {
	var mu sync.Mutex
	reqCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		reqCount++
		mu.Unlock()
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	idx, err := OpenIngest(IngestConfig{
		Endpoint:      srv.URL,
		BatchSize:     1,
		FlushInterval: time.Hour,
		HTTPTimeout:   2 * time.Second,
	})
	if err != nil {
		t.Fatalf("OpenIngest: %v", err)
	}
	defer func() { _ = idx.Close() }()

	start := time.Now()
	idx.Emit(pack.Event{RunID: "r1", Kind: pack.EventPlaced, Index: 0})
	deadline := start.Add(5 * time.Second)
	for idx.Stats().FlushFailTotal == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if idx.Stats().FlushFailTotal != 1 {
		t.Fatalf("first flush never failed: %+v", idx.Stats())
	}
	// Two backoff pauses of 100ms and 200ms, none after the last attempt.
	if took := time.Since(start); took > 650*time.Millisecond {
		t.Fatalf("failed flush took %v", took)
	}

	for i := 1; i <= 5; i++ {
		idx.Emit(pack.Event{RunID: "r1", Kind: pack.EventPlaced, Index: i})
	}
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	n := reqCount
	mu.Unlock()
	if n != 3 {
		t.Fatalf("requests=%d want 3; new events must not resend a retained batch", n)
	}
	st := idx.Stats()
	if st.FlushFailTotal != 1 || st.QueueDepth != 0 || st.QueueDroppedTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
}
