package indexdb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"packline.ai/internal/pack"
)

type IngestConfig struct {
	Endpoint      string
	Token         string
	Line          string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds the events kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

// IngestIndex forwards run events in batches to an HTTP ingest endpoint.
// A failed batch is kept and resent with the next flush.
type IngestIndex struct {
	cfg        IngestConfig
	httpClient *http.Client

	ch   chan ingestEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	sent       atomic.Uint64
	flushFails atomic.Uint64
	dropped    atomic.Uint64
	evicted    atomic.Uint64
}

type ingestEvent struct {
	Kind    string     `json:"kind"`
	Line    string     `json:"line"`
	Payload pack.Event `json:"payload"`
}

type IngestStats struct {
	QueueDepth        int
	QueueCapacity     int
	SentTotal         uint64
	FlushFailTotal    uint64
	QueueDroppedTotal uint64
	EvictedTotal      uint64
}

func OpenIngest(cfg IngestConfig) (*IngestIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Line = strings.TrimSpace(cfg.Line)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.Line == "" {
		cfg.Line = "default"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 8192
	}

	d := &IngestIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan ingestEvent, 4096),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *IngestIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *IngestIndex) Emit(e pack.Event) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- ingestEvent{Kind: string(e.Kind), Line: d.cfg.Line, Payload: e}:
	default:
		d.dropped.Add(1)
		d.printf("ingest queue full; drop kind=%s run=%s", e.Kind, e.RunID)
	}
}

func (d *IngestIndex) Stats() IngestStats {
	if d == nil {
		return IngestStats{}
	}
	return IngestStats{
		QueueDepth:        len(d.ch),
		QueueCapacity:     cap(d.ch),
		SentTotal:         d.sent.Load(),
		FlushFailTotal:    d.flushFails.Load(),
		QueueDroppedTotal: d.dropped.Load(),
		EvictedTotal:      d.evicted.Load(),
	}
}

func (d *IngestIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]ingestEvent, 0, d.cfg.BatchSize)
	// retained is set while batch holds events from a failed flush; only
	// the ticker retries them.
	retained := false
	trim := func() {
		if over := len(batch) - d.cfg.MaxRetained; over > 0 {
			d.evicted.Add(uint64(over))
			batch = append(batch[:0], batch[over:]...)
		}
	}
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			retained = true
			d.flushFails.Add(1)
			d.printf("ingest flush failed batch=%d err=%v", len(batch), err)
			trim()
			return
		}
		d.sent.Add(uint64(len(batch)))
		batch = batch[:0]
		retained = false
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			switch {
			case retained:
				trim()
			case len(batch) >= d.cfg.BatchSize:
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *IngestIndex) sendBatch(events []ingestEvent) error {
	body := struct {
		Events []ingestEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(100*(1<<(attempt-1))) * time.Millisecond)
		}
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-packline-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
	}
	return lastErr
}

func (d *IngestIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
