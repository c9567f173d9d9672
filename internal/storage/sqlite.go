package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "chronograph/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

//go:embed workdays_off.json
var workdaysOffFS embed.FS

// fallbackStreams is used when the config row is missing entirely
// (e.g. a database created by an older build).
const fallbackStreams = 10

type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureDefaults seeds the stream capacity row and merges the embedded
// holiday calendar into the holidays table. Existing operator edits win:
// seeding only ever inserts, it never deletes or overwrites.
func (s *Store) EnsureDefaults(ctx context.Context, streams int) error {
	if streams <= 0 {
		streams = fallbackStreams
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO config(id, streams) VALUES(1, ?) ON CONFLICT(id) DO NOTHING`,
		streams,
	); err != nil {
		return err
	}

	b, err := workdaysOffFS.ReadFile("workdays_off.json")
	if err != nil {
		return err
	}
	var days []string
	if err := json.Unmarshal(b, &days); err != nil {
		return fmt.Errorf("workdays_off.json: %w", err)
	}
	for _, day := range days {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO holidays(day) VALUES(?) ON CONFLICT(day) DO NOTHING`, day,
		); err != nil {
			return err
		}
	}
	return nil
}

// Streams returns the configured per-day stream capacity.
func (s *Store) Streams(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT streams FROM config WHERE id = 1`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return fallbackStreams, nil
	}
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return fallbackStreams, nil
	}
	return n, nil
}

// Holidays returns the set of non-working days, keyed by "2006-01-02".
func (s *Store) Holidays(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT day FROM holidays`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var day string
		if err := rows.Scan(&day); err != nil {
			return nil, err
		}
		out[day] = true
	}
	return out, rows.Err()
}

func (s *Store) AddHoliday(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO holidays(day) VALUES(?) ON CONFLICT(day) DO NOTHING`, day)
	return err
}

func (s *Store) RemoveHoliday(ctx context.Context, day string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM holidays WHERE day = ?`, day)
	return err
}

// PlanID builds the primary key of a (mode, day) plan row.
func PlanID(mode, day string) string {
	return "plan" + mode + "_" + day
}

// Plan loads the plan for (mode, day) together with its slot grid.
// A missing plan is not an error: the result has Version 0 and an empty
// grid, and the first OpenSlot call will create the row.
func (s *Store) Plan(ctx context.Context, mode, day string) (*Plan, error) {
	p := &Plan{ID: PlanID(mode, day), Mode: mode, Day: day}

	err := s.db.QueryRowContext(ctx,
		`SELECT end_time, streams_count, version FROM plans WHERE id = ?`, p.ID,
	).Scan(&p.EndTime, &p.StreamsCount, &p.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT stream, slot_time, tender_id, lot_id
		   FROM slots WHERE plan_id = ?
		  ORDER BY stream, slot_time`, p.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byStream := make(map[int][]Slot)
	for rows.Next() {
		var (
			stream   int
			slot     Slot
			tid, lid sql.NullString
		)
		if err := rows.Scan(&stream, &slot.Time, &tid, &lid); err != nil {
			return nil, err
		}
		slot.TenderID = tid.String
		slot.LotID = lid.String
		byStream[stream] = append(byStream[stream], slot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ids := make([]int, 0, len(byStream))
	for id := range byStream {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		p.Streams = append(p.Streams, Stream{StreamID: id, Slots: byStream[id]})
	}
	return p, nil
}

// ReserveSlot claims an existing free slot for a tender. The update is
// conditional on the slot still being free, so two planners racing for the
// same cell cannot both win.
func (s *Store) ReserveSlot(ctx context.Context, planID string, stream int, slotTime, tenderID, lotID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE slots SET tender_id = ?, lot_id = ?
		  WHERE plan_id = ? AND stream = ? AND slot_time = ? AND tender_id IS NULL`,
		tenderID, nullStr(lotID), planID, stream, slotTime)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSlotTaken
	}
	return nil
}

// OpenSlot grows a plan's capacity (new slot time and possibly a new
// stream) and claims the fresh slot in one transaction. The plan row is
// updated with an optimistic version check against the Plan the caller
// loaded; on a lost race it returns ErrPlanConflict and the caller re-reads.
func (s *Store) OpenSlot(ctx context.Context, plan *Plan, endTime string, streamsCount, stream int, slotTime, tenderID, lotID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if plan.Version == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO plans(id, mode, day, end_time, streams_count, version)
			 VALUES(?,?,?,?,?,1)`,
			plan.ID, plan.Mode, plan.Day, endTime, streamsCount)
		if err != nil {
			// Unique violation means someone else created the plan first.
			return ErrPlanConflict
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE plans SET end_time = ?, streams_count = ?, version = version + 1
			  WHERE id = ? AND version = ?`,
			endTime, streamsCount, plan.ID, plan.Version)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPlanConflict
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO slots(plan_id, stream, slot_time, tender_id, lot_id)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(plan_id, stream, slot_time)
		 DO UPDATE SET tender_id = excluded.tender_id, lot_id = excluded.lot_id`,
		plan.ID, stream, slotTime, nullStr(tenderID), nullStr(lotID))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SlotsByTender lists every slot held by a tender or by any of its lots.
// The prefix form also matches legacy rows that encoded the lot into the
// tender id.
func (s *Store) SlotsByTender(ctx context.Context, tenderID string) ([]SlotRef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.plan_id, p.day, s.stream, s.slot_time, s.tender_id, s.lot_id
		   FROM slots s JOIN plans p ON p.id = s.plan_id
		  WHERE s.tender_id = ? OR s.tender_id LIKE ? || '_%'
		  ORDER BY p.day, s.stream, s.slot_time`,
		tenderID, tenderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlotRef
	for rows.Next() {
		var (
			ref      SlotRef
			tid, lid sql.NullString
		)
		if err := rows.Scan(&ref.PlanID, &ref.Day, &ref.Stream, &ref.Time, &tid, &lid); err != nil {
			return nil, err
		}
		ref.TenderID = tid.String
		ref.LotID = lid.String
		out = append(out, ref)
	}
	return out, rows.Err()
}

// FreeSlot releases a reservation so the cell can be reused.
func (s *Store) FreeSlot(ctx context.Context, planID string, stream int, slotTime string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE slots SET tender_id = NULL, lot_id = NULL
		  WHERE plan_id = ? AND stream = ? AND slot_time = ?`,
		planID, stream, slotTime)
	return err
}

// PutJob inserts or replaces a pending job by key.
func (s *Store) PutJob(ctx context.Context, j JobRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs(key, due_at, grace_sec, payload) VALUES(?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		   due_at = excluded.due_at,
		   grace_sec = excluded.grace_sec,
		   payload = excluded.payload`,
		j.Key, j.DueAt.UTC().Format(time.RFC3339Nano),
		int64(j.Grace/time.Second), string(j.Payload))
	return err
}

func (s *Store) DeleteJob(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE key = ?`, key)
	return err
}

// Jobs returns all pending jobs ordered by due time.
func (s *Store) Jobs(ctx context.Context) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, due_at, grace_sec, payload FROM jobs ORDER BY due_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			j        JobRecord
			due      string
			graceSec int64
			payload  string
		)
		if err := rows.Scan(&j.Key, &due, &graceSec, &payload); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, due)
		if err != nil {
			return nil, fmt.Errorf("job %s: bad due_at %q: %w", j.Key, due, err)
		}
		j.DueAt = t
		j.Grace = time.Duration(graceSec) * time.Second
		j.Payload = []byte(payload)
		out = append(out, j)
	}
	return out, rows.Err()
}

// FeedPosition loads the listing crawl cursor. A missing row is a fresh
// start and returns zero values.
func (s *Store) FeedPosition(ctx context.Context) (FeedCursor, error) {
	var c FeedCursor
	err := s.db.QueryRowContext(ctx,
		`SELECT offset_token, server_id FROM feed_position WHERE id = 1`,
	).Scan(&c.Offset, &c.ServerID)
	if errors.Is(err, sql.ErrNoRows) {
		return FeedCursor{}, nil
	}
	if err != nil {
		return FeedCursor{}, err
	}
	return c, nil
}

func (s *Store) SaveFeedPosition(ctx context.Context, c FeedCursor) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO feed_position(id, offset_token, server_id) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   offset_token = excluded.offset_token,
		   server_id = excluded.server_id`,
		c.Offset, c.ServerID)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
