// Package indexdb keeps queryable indexes of packing runs: a local sqlite
// database and a batched HTTP ingest forwarder. Both are pack.Sinks and
// drop events rather than stall a run.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"packline.ai/internal/pack"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropEvents atomic.Uint64
	dropSync   atomic.Uint64
	writeFails atomic.Uint64
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqSync
)

type req struct {
	kind  reqKind
	event pack.Event
	done  chan struct{}
}

// Stats reports queue pressure of the async writer.
type Stats struct {
	QueueDepth     int
	QueueCapacity  int
	DropEventTotal uint64
	DropSyncTotal  uint64
	WriteFailTotal uint64
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One connection: an in-memory database lives and dies with it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 4096),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			total INTEGER NOT NULL,
			placed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			max_height REAL NOT NULL DEFAULT 0,
			error TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			box INTEGER NOT NULL,
			at TEXT NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_kind ON events(run_id, kind);`,
		`CREATE TABLE IF NOT EXISTS placements (
			run_id TEXT NOT NULL,
			box INTEGER NOT NULL,
			handle INTEGER NOT NULL,
			trace_id TEXT,
			target_x REAL NOT NULL,
			target_y REAL NOT NULL,
			target_z REAL NOT NULL,
			error_x REAL NOT NULL,
			error_y REAL NOT NULL,
			max_height REAL NOT NULL,
			degraded INTEGER NOT NULL,
			placed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, box)
		);`,
		`CREATE TABLE IF NOT EXISTS failures (
			run_id TEXT NOT NULL,
			box INTEGER NOT NULL,
			phase TEXT,
			error TEXT NOT NULL,
			failed_at TEXT NOT NULL,
			PRIMARY KEY (run_id, box)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Emit(e pack.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: e}:
	default:
		// The journal remains the source of truth.
		s.dropEvents.Add(1)
	}
}

// Sync blocks until every event queued before it is committed.
func (s *SQLiteIndex) Sync(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return errors.New("index closed")
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqSync, done: done}:
	case <-ctx.Done():
		s.dropSync.Add(1)
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:     len(s.ch),
		QueueCapacity:  cap(s.ch),
		DropEventTotal: s.dropEvents.Load(),
		DropSyncTotal:  s.dropSync.Load(),
		WriteFailTotal: s.writeFails.Load(),
	}
}

// RunSummary is the indexed outcome of one run.
type RunSummary struct {
	RunID      string
	StartedAt  time.Time
	FinishedAt time.Time
	Total      int
	Placed     int
	Failed     int
	Degraded   int
	MaxHeight  float64
	Events     int
	Err        string
}

// PlacementRow is one indexed placement.
type PlacementRow struct {
	Box      int
	Handle   int32
	TraceID  string
	Target   [3]float64
	ErrorX   float64
	ErrorY   float64
	Degraded bool
}

func (s *SQLiteIndex) Summary(ctx context.Context, runID string) (RunSummary, error) {
	var (
		out      RunSummary
		started  string
		finished sql.NullString
		runErr   sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, started_at, finished_at, total, placed, failed, max_height, error FROM runs WHERE run_id=?`,
		runID,
	).Scan(&out.RunID, &started, &finished, &out.Total, &out.Placed, &out.Failed, &out.MaxHeight, &runErr)
	if err != nil {
		return RunSummary{}, err
	}
	out.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
	if finished.Valid {
		out.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished.String)
	}
	out.Err = runErr.String

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM placements WHERE run_id=? AND degraded=1`, runID,
	).Scan(&out.Degraded); err != nil {
		return RunSummary{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE run_id=?`, runID,
	).Scan(&out.Events); err != nil {
		return RunSummary{}, err
	}
	return out, nil
}

func (s *SQLiteIndex) Placements(ctx context.Context, runID string) ([]PlacementRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT box, handle, trace_id, target_x, target_y, target_z, error_x, error_y, degraded
		 FROM placements WHERE run_id=? ORDER BY box`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PlacementRow
	for rows.Next() {
		var (
			p       PlacementRow
			trace   sql.NullString
			degrade int
		)
		if err := rows.Scan(&p.Box, &p.Handle, &trace, &p.Target[0], &p.Target[1], &p.Target[2], &p.ErrorX, &p.ErrorY, &degrade); err != nil {
			return nil, err
		}
		p.TraceID = trace.String
		p.Degraded = degrade != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertRun, _ := s.db.Prepare(`INSERT OR REPLACE INTO runs(run_id,started_at,total) VALUES(?,?,?)`)
	finishRun, _ := s.db.Prepare(`UPDATE runs SET finished_at=?, placed=?, failed=?, max_height=?, error=? WHERE run_id=?`)
	insertEvent, _ := s.db.Prepare(`INSERT OR REPLACE INTO events(run_id,seq,kind,box,at,raw_json) VALUES(?,?,?,?,?,?)`)
	insertPlacement, _ := s.db.Prepare(`INSERT OR REPLACE INTO placements(run_id,box,handle,trace_id,target_x,target_y,target_z,error_x,error_y,max_height,degraded,placed_at) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	insertFailure, _ := s.db.Prepare(`INSERT OR REPLACE INTO failures(run_id,box,phase,error,failed_at) VALUES(?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertRun, finishRun, insertEvent, insertPlacement, insertFailure} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 256
		commitMaxWait = time.Second

		seq = map[string]int{}
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.writeFails.Add(1)
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.writeFails.Add(1)
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.writeFails.Add(1)
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return true
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return false
		}
		opCount++
		return true
	}

	for r := range s.ch {
		if r.kind == reqSync {
			commit()
			close(r.done)
			continue
		}
		begin()
		if tx == nil {
			continue
		}

		e := r.event
		at := e.Time.UTC().Format(time.RFC3339Nano)
		raw, _ := json.Marshal(e)
		n := seq[e.RunID]
		seq[e.RunID] = n + 1
		if !exec(insertEvent, e.RunID, n, string(e.Kind), e.Index, at, string(raw)) {
			continue
		}

		switch e.Kind {
		case pack.EventStarted:
			exec(insertRun, e.RunID, at, e.Total)
		case pack.EventPlaced:
			t := padVec(e.Target)
			exec(insertPlacement, e.RunID, e.Index, int64(e.Handle), e.TraceID,
				t[0], t[1], t[2], e.ErrorX, e.ErrorY, e.MaxHeight, boolInt(e.Degraded), at)
		case pack.EventFailed:
			exec(insertFailure, e.RunID, e.Index, e.Phase, e.Err, at)
		case pack.EventFinished:
			exec(finishRun, at, e.Placed, e.Failed, e.MaxHeight, nullString(e.Err), e.RunID)
			delete(seq, e.RunID)
		}

		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}

func padVec(v []float64) [3]float64 {
	var out [3]float64
	copy(out[:], v)
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ListRuns returns the most recent runs first.
func (s *SQLiteIndex) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT run_id FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]RunSummary, 0, len(ids))
	for _, id := range ids {
		sum, err := s.Summary(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}
