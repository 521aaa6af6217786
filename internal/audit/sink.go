package audit

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/praxisllmlab/relaygate/internal/logging"
	"github.com/praxisllmlab/relaygate/internal/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS call_records (
	timestamp         TEXT NOT NULL,
	request_id        TEXT,
	client_ip         TEXT,
	model_requested   TEXT,
	model_served      TEXT,
	endpoint          TEXT,
	prompt_digest     TEXT,
	completion_text   TEXT,
	prompt_tokens     INTEGER,
	completion_tokens INTEGER,
	total_tokens      INTEGER,
	is_multimodal     INTEGER,
	is_tool_call      INTEGER,
	latency_ms        INTEGER,
	retry_path        TEXT,
	final_status      TEXT
);
CREATE INDEX IF NOT EXISTS idx_call_records_ts_model ON call_records(timestamp, model_requested);
`

// Sink accepts CallRecords for asynchronous, best-effort persistence.
type Sink interface {
	Write(rec CallRecord)
	Close() error
}

// SQLiteSink is the concrete Sink: a bounded channel drained by a single
// writer goroutine into a month-keyed rotating SQLite file. Overflow drops
// the oldest queued record rather than blocking the caller.
type SQLiteSink struct {
	dir   string
	queue chan CallRecord
	done  chan struct{}

	mu      sync.Mutex // guards db/month during rotation, writer-goroutine only
	db      *sql.DB
	month   string
}

// NewSQLiteSink opens (or creates) the file for the current month under dir
// and starts the background writer. Capacity is fixed at 4096 per spec.
func NewSQLiteSink(dir string) (*SQLiteSink, error) {
	s := &SQLiteSink{
		dir:   dir,
		queue: make(chan CallRecord, 4096),
		done:  make(chan struct{}),
	}
	if err := s.rotateIfNeeded(time.Now()); err != nil {
		return nil, err
	}
	go s.run()
	return s, nil
}

// Write enqueues rec without blocking. If the queue is full the oldest
// pending record is dropped to make room and a counter is incremented,
// per spec's "overflow drops the oldest" rule.
func (s *SQLiteSink) Write(rec CallRecord) {
	// After Close the queue is closed and a send panics; recovering here
	// drops rec instead.
	defer func() { _ = recover() }()

	select {
	case s.queue <- rec:
	default:
		select {
		case <-s.queue:
			metrics.AuditQueueDroppedTotal.Inc()
		default:
		}
		select {
		case s.queue <- rec:
		default:
			metrics.AuditQueueDroppedTotal.Inc()
		}
	}
}

func (s *SQLiteSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.rotateIfNeeded(rec.Timestamp); err != nil {
			logging.Errorf("audit: rotation failed: %v", err)
			metrics.AuditWriteErrorsTotal.Inc()
			continue
		}
		if err := s.insert(rec); err != nil {
			logging.Errorf("audit: insert failed: %v", err)
			metrics.AuditWriteErrorsTotal.Inc()
		}
	}
}

// rotateIfNeeded compares ts's wall-clock month against the active file's
// month and swaps to a fresh pool on change. Called from the single writer
// goroutine, so no lock is needed for the swap itself; mu only protects
// concurrent reads of db/month from outside (e.g. tests).
func (s *SQLiteSink) rotateIfNeeded(ts time.Time) error {
	month := ts.UTC().Format("2006_01")

	s.mu.Lock()
	current := s.month
	s.mu.Unlock()
	if current == month && s.db != nil {
		return nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("record_%s.db", month))
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return fmt.Errorf("migrate %s: %w", path, err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.month = month
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (s *SQLiteSink) insert(rec CallRecord) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()

	_, err := db.Exec(`INSERT INTO call_records (
		timestamp, request_id, client_ip, model_requested, model_served, endpoint,
		prompt_digest, completion_text, prompt_tokens, completion_tokens,
		total_tokens, is_multimodal, is_tool_call, latency_ms, retry_path,
		final_status
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp.UTC().Format(time.RFC3339Nano),
		rec.RequestID,
		rec.ClientIP,
		rec.ModelRequested,
		rec.ModelServed,
		rec.Endpoint,
		rec.PromptDigest,
		rec.CompletionText,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.TotalTokens,
		boolToInt(rec.IsMultimodal),
		boolToInt(rec.IsToolCall),
		rec.LatencyMS,
		strings.Join(rec.RetryPath, ","),
		rec.FinalStatus,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Close drains the queue and closes the active database file. Records
// enqueued after Close is called are silently dropped.
func (s *SQLiteSink) Close() error {
	close(s.queue)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
