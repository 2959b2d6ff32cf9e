package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/shortontech/gopersona/internal/event"
)

const createResolutionsTable = `
CREATE TABLE IF NOT EXISTS persona_resolutions (
	event_id    TEXT PRIMARY KEY,
	ts          TIMESTAMPTZ NOT NULL,
	event_type  TEXT NOT NULL,
	session_id  TEXT,
	fingerprint TEXT,
	path        TEXT,
	persona     TEXT,
	source      TEXT,
	confidence  DOUBLE PRECISION,
	strategy    TEXT,
	latency_ms  BIGINT,
	error       TEXT
)`

// PGSink batches resolution events into Postgres. Enqueue never blocks the
// request path: events buffer into a channel and a background worker
// flushes them by batch size or interval, whichever first.
type PGSink struct {
	dsn        string
	db         *sql.DB
	ch         chan event.Event
	batchSize  int
	flushEvery time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewPGSink(dsn string) *PGSink {
	return &PGSink{
		dsn:        dsn,
		ch:         make(chan event.Event, 1024),
		batchSize:  100,
		flushEvery: time.Second,
	}
}

// NewPGSinkFromEnv reads PG_DSN.
func NewPGSinkFromEnv() *PGSink {
	return NewPGSink(os.Getenv("PG_DSN"))
}

// NewPGSinkWithDB wires an existing handle; tests use this with sqlmock.
func NewPGSinkWithDB(db *sql.DB) *PGSink {
	s := NewPGSink("")
	s.db = db
	return s
}

func (s *PGSink) Name() string { return "postgres" }

func (s *PGSink) Start(ctx context.Context) error {
	if s.db == nil {
		if s.dsn == "" {
			return fmt.Errorf("pg sink: PG_DSN not set")
		}
		db, err := sql.Open("postgres", s.dsn)
		if err != nil {
			return fmt.Errorf("pg sink: open: %w", err)
		}
		db.SetMaxOpenConns(4)
		if err := db.PingContext(ctx); err != nil {
			return fmt.Errorf("pg sink: ping: %w", err)
		}
		s.db = db
	}
	if _, err := s.db.ExecContext(ctx, createResolutionsTable); err != nil {
		return fmt.Errorf("pg sink: ensure table: %w", err)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.worker(workerCtx)
	return nil
}

func (s *PGSink) Enqueue(e event.Event) error {
	select {
	case s.ch <- e:
		return nil
	default:
		return fmt.Errorf("pg sink: buffer full, dropping event %s", e.EventID)
	}
}

func (s *PGSink) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *PGSink) worker(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushEvery)
	defer ticker.Stop()

	batch := make([]event.Event, 0, s.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertBatch(batch); err != nil {
			log.Printf("pg sink: flush failed: %v", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is still buffered before exiting.
			for {
				select {
				case e := <-s.ch:
					batch = append(batch, e)
					if len(batch) >= s.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case e := <-s.ch:
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *PGSink) insertBatch(batch []event.Event) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO persona_resolutions (event_id, ts, event_type, session_id, fingerprint, path, persona, source, confidence, strategy, latency_ms, error) VALUES `)
	args := make([]any, 0, len(batch)*12)
	for i, e := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 12
		sb.WriteString("(")
		for j := 1; j <= 12; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", base+j)
		}
		sb.WriteString(")")

		ts, err := time.Parse(time.RFC3339Nano, e.TS)
		if err != nil {
			ts = time.Now().UTC()
		}
		args = append(args, e.EventID, ts, e.Type, e.SessionID, e.Fingerprint,
			e.Path, e.Persona, e.Source, e.Confidence, e.Strategy, e.LatencyMs, e.Error)
	}
	sb.WriteString(" ON CONFLICT (event_id) DO NOTHING")

	_, err := s.db.Exec(sb.String(), args...)
	if err != nil {
		return fmt.Errorf("insert %d events: %w", len(batch), err)
	}
	return nil
}
