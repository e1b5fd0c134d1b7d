package visitstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/pagetrace/dbopen"
	"github.com/hazyhaar/pagetrace/host"
	"github.com/hazyhaar/pagetrace/visit"
)

// Schema for the visit tables. Pass to dbopen.WithSchema or apply manually.
const Schema = `
CREATE TABLE IF NOT EXISTS page_visits (
	page_id TEXT PRIMARY KEY,
	surface INTEGER NOT NULL,
	url TEXT NOT NULL,
	referrer TEXT NOT NULL DEFAULT '',
	start_ms INTEGER NOT NULL,
	stop_ms INTEGER NOT NULL,
	attention_ms INTEGER NOT NULL,
	audio_ms INTEGER NOT NULL,
	attention_spans TEXT NOT NULL DEFAULT '[]',
	audio_spans TEXT NOT NULL DEFAULT '[]',
	is_history_change INTEGER NOT NULL DEFAULT 0,
	private INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_page_visits_start ON page_visits(start_ms);

CREATE TABLE IF NOT EXISTS page_transitions (
	page_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	referrer TEXT NOT NULL DEFAULT '',
	is_history_change INTEGER NOT NULL DEFAULT 0,
	transition_type TEXT NOT NULL DEFAULT '',
	transition_qualifiers TEXT NOT NULL DEFAULT '',
	tab_source_page TEXT NOT NULL DEFAULT '',
	tab_source_url TEXT NOT NULL DEFAULT '',
	tab_source_click INTEGER NOT NULL DEFAULT 0,
	time_source_page TEXT NOT NULL DEFAULT '',
	time_source_url TEXT NOT NULL DEFAULT '',
	time_source_np_page TEXT NOT NULL DEFAULT '',
	time_source_np_url TEXT NOT NULL DEFAULT ''
);
`

const (
	flushBatch    = 64
	flushInterval = time.Second
)

type record struct {
	v *visit.PageVisit
	t *visit.TransitionRecord
}

// SQLite persists records to a SQLite database asynchronously: saves
// enqueue, a flush goroutine writes batches in one transaction. The sink
// does not own the database handle; Close drains the buffer but leaves
// the handle open.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
	ch     chan record
	done   chan struct{}
	once   sync.Once
}

// NewSQLite creates the sink. The database must already carry Schema.
func NewSQLite(db *sql.DB, logger *slog.Logger) *SQLite {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SQLite{
		db:     db,
		logger: logger,
		ch:     make(chan record, 1024),
		done:   make(chan struct{}),
	}
	go s.flushLoop()
	return s
}

// SavePageVisit queues v for async persistence. Non-blocking; a full
// buffer drops the record rather than stalling the session goroutine.
func (s *SQLite) SavePageVisit(_ context.Context, v visit.PageVisit) error {
	select {
	case s.ch <- record{v: &v}:
	default:
		s.logger.Warn("visitstore: buffer full, page visit dropped", "page", v.PageID)
	}
	return nil
}

// SaveTransition queues rec for async persistence.
func (s *SQLite) SaveTransition(_ context.Context, rec visit.TransitionRecord) error {
	select {
	case s.ch <- record{t: &rec}:
	default:
		s.logger.Warn("visitstore: buffer full, transition dropped", "page", rec.PageID)
	}
	return nil
}

// Close drains the buffer and stops the flush goroutine.
func (s *SQLite) Close() error {
	s.once.Do(func() {
		close(s.ch)
		<-s.done
	})
	return nil
}

func (s *SQLite) flushLoop() {
	defer close(s.done)

	batch := make([]record, 0, flushBatch)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				s.flush(batch)
				return
			}
			batch = append(batch, r)
			if len(batch) >= flushBatch {
				s.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

// flush writes one batch in a single transaction, retrying on
// SQLITE_BUSY. A record that fails for any other reason is logged and
// dropped so it cannot poison the rest of the batch.
func (s *SQLite) flush(batch []record) {
	if len(batch) == 0 {
		return
	}

	err := dbopen.RunTx(context.Background(), s.db, func(tx *sql.Tx) error {
		for _, r := range batch {
			var err error
			switch {
			case r.v != nil:
				err = insertVisit(tx, r.v)
			case r.t != nil:
				err = insertTransition(tx, r.t)
			}
			if err != nil {
				if dbopen.IsBusy(err) {
					return err
				}
				s.logger.Error("visitstore: insert", "error", err)
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Error("visitstore: flush", "error", err)
	}
}

func insertVisit(tx *sql.Tx, v *visit.PageVisit) error {
	attn, _ := json.Marshal(v.Attention)
	audio, _ := json.Marshal(v.Audio)
	_, err := tx.Exec(`INSERT OR REPLACE INTO page_visits
		(page_id, surface, url, referrer, start_ms, stop_ms,
		 attention_ms, audio_ms, attention_spans, audio_spans,
		 is_history_change, private)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.PageID, int64(v.Surface), v.URL, v.Referrer, v.Start, v.Stop,
		spanTotal(v.Attention), spanTotal(v.Audio), string(attn), string(audio),
		v.IsHistoryChange, v.Private)
	return err
}

func insertTransition(tx *sql.Tx, r *visit.TransitionRecord) error {
	_, err := tx.Exec(`INSERT OR REPLACE INTO page_transitions
		(page_id, url, referrer, is_history_change, transition_type,
		 transition_qualifiers, tab_source_page, tab_source_url,
		 tab_source_click, time_source_page, time_source_url,
		 time_source_np_page, time_source_np_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.PageID, r.URL, r.Referrer, r.IsHistoryChange, string(r.Type),
		strings.Join(r.Qualifiers, ","),
		r.TabSource.PageID, r.TabSource.URL, r.TabSourceClick,
		r.TimeSource.PageID, r.TimeSource.URL,
		r.TimeSourceNonPrivate.PageID, r.TimeSourceNonPrivate.URL)
	return err
}

func spanTotal(spans []visit.Span) int64 {
	var total int64
	for _, sp := range spans {
		if sp.End > sp.Start {
			total += sp.End - sp.Start
		}
	}
	return total
}

// RecentVisits returns the latest n visits by start time, newest first.
func (s *SQLite) RecentVisits(ctx context.Context, n int) ([]visit.PageVisit, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT page_id, surface, url, referrer,
		start_ms, stop_ms, attention_spans, audio_spans, is_history_change, private
		FROM page_visits ORDER BY start_ms DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.PageVisit
	for rows.Next() {
		var v visit.PageVisit
		var surface int64
		var attn, audio string
		if err := rows.Scan(&v.PageID, &surface, &v.URL, &v.Referrer,
			&v.Start, &v.Stop, &attn, &audio, &v.IsHistoryChange, &v.Private); err != nil {
			return nil, err
		}
		v.Surface = host.SurfaceID(surface)
		json.Unmarshal([]byte(attn), &v.Attention)
		json.Unmarshal([]byte(audio), &v.Audio)
		out = append(out, v)
	}
	return out, rows.Err()
}

// RecentTransitions returns the latest n transition records, newest first
// by insertion order.
func (s *SQLite) RecentTransitions(ctx context.Context, n int) ([]visit.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT page_id, url, referrer,
		is_history_change, transition_type, transition_qualifiers,
		tab_source_page, tab_source_url, tab_source_click,
		time_source_page, time_source_url, time_source_np_page, time_source_np_url
		FROM page_transitions ORDER BY rowid DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []visit.TransitionRecord
	for rows.Next() {
		var r visit.TransitionRecord
		var kind, quals string
		if err := rows.Scan(&r.PageID, &r.URL, &r.Referrer, &r.IsHistoryChange,
			&kind, &quals, &r.TabSource.PageID, &r.TabSource.URL, &r.TabSourceClick,
			&r.TimeSource.PageID, &r.TimeSource.URL,
			&r.TimeSourceNonPrivate.PageID, &r.TimeSourceNonPrivate.URL); err != nil {
			return nil, err
		}
		r.Type = host.TransitionType(kind)
		if quals != "" {
			r.Qualifiers = strings.Split(quals, ",")
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
