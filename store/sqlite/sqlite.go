/*
Package sqlite provides a SQLite-backed implementation of schedule.TxStore.

PURPOSE:
  Persists periods, tickets, assignments, conflicts, trades and planning
  board state. In production, the same patterns apply to PostgreSQL - only
  minor SQL dialect differences.

STORAGE LAYOUT:
  Every table carries the columns the engine filters or orders on, plus a
  data_json column holding the full row. Reads decode data_json; filters
  never look inside it.

KEY TABLES:
  schedule_policies: versioned, superseded rows (archived_at set)
  schedule_periods:  compare-and-set on version
  tickets, assignments, staff_profiles, subcontractors
  conflict_records:  append-only; re-validation only sets archived_at
  trade_requests:    compare-and-set on version
  board_items, proposals, drift_events

CONCURRENCY:
  The pool is capped at one connection and transactions open with
  BEGIN IMMEDIATE (_txlock=immediate), so a unit of work holds the write
  lock from its first read. Compare-and-set updates catch anything that
  slips past outside a transaction.

USAGE:
  store, err := sqlite.New("./data/schedule.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := schedule.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/schedule-engine/schedule"
)

// tsLayout is fixed width so that text comparison orders timestamps.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements schedule.TxStore using SQLite.
type Store struct {
	*conn
	db *sql.DB
}

// conn runs the named operations against either the pool or an open *sql.Tx.
type conn struct {
	q queryer
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_txlock=immediate&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection: ":memory:" databases are per-connection, and SQLite has
	// a single writer anyway
	db.SetMaxOpenConns(1)

	store := &Store{conn: &conn{q: db}, db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schedule_policies (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		archived_at TEXT,
		data_json TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Resolution path: current policy for (tenant, site)
	CREATE INDEX IF NOT EXISTS idx_policies_scope_current
		ON schedule_policies(tenant_id, site_id, seq DESC) WHERE archived_at IS NULL;

	CREATE TABLE IF NOT EXISTS schedule_periods (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		site_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		period_start TEXT NOT NULL,
		version INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_periods_tenant_start
		ON schedule_periods(tenant_id, period_start DESC);

	CREATE TABLE IF NOT EXISTS tickets (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		shift_start TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tickets_period
		ON tickets(tenant_id, period_id, shift_start);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		staff_id TEXT NOT NULL DEFAULT '',
		subcontractor_id TEXT NOT NULL DEFAULT '',
		shift_start TEXT NOT NULL,
		shift_end TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		data_json TEXT NOT NULL
	);

	-- Detector hot path: a worker's shifts around a candidate
	CREATE INDEX IF NOT EXISTS idx_assignments_staff_shift
		ON assignments(tenant_id, staff_id, shift_start);
	CREATE INDEX IF NOT EXISTS idx_assignments_sub_shift
		ON assignments(tenant_id, subcontractor_id, shift_start);
	CREATE INDEX IF NOT EXISTS idx_assignments_ticket
		ON assignments(tenant_id, ticket_id);
	CREATE INDEX IF NOT EXISTS idx_assignments_period
		ON assignments(tenant_id, period_id);

	CREATE TABLE IF NOT EXISTS staff_profiles (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subcontractors (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	-- Conflict log (append-only; archived_at is the only mutable column)
	CREATE TABLE IF NOT EXISTS conflict_records (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		period_id TEXT NOT NULL DEFAULT '',
		severity TEXT NOT NULL,
		is_blocking BOOLEAN NOT NULL,
		recorded_at TEXT NOT NULL,
		archived_at TEXT,
		data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_conflicts_period_current
		ON conflict_records(tenant_id, period_id) WHERE archived_at IS NULL;

	CREATE TABLE IF NOT EXISTS trade_requests (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		period_id TEXT NOT NULL,
		ticket_id TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_trades_period
		ON trade_requests(tenant_id, period_id, created_at DESC);

	CREATE TABLE IF NOT EXISTS board_items (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		board_id TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS proposals (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		board_item_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		data_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_proposals_item
		ON proposals(tenant_id, board_item_id, created_at);

	CREATE TABLE IF NOT EXISTS drift_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		tenant_id TEXT NOT NULL,
		board_item_id TEXT NOT NULL,
		data_json TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (schedule.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(schedule.Store) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&conn{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

// tables lists every table in dependency order, children last.
var tables = []string{
	"schedule_policies", "schedule_periods", "tickets", "assignments",
	"staff_profiles", "subcontractors", "conflict_records", "trade_requests",
	"board_items", "proposals", "drift_events",
}

// Reset clears all data (for demo/testing).
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(st schedule.Store) error {
		c := st.(*conn)
		for i := len(tables) - 1; i >= 0; i-- {
			if _, err := c.q.ExecContext(ctx, "DELETE FROM "+tables[i]); err != nil {
				return storageErr("reset "+tables[i], err)
			}
		}
		return nil
	})
}

// =============================================================================
// POLICIES
// =============================================================================

func (c *conn) CurrentPolicy(ctx context.Context, tenantID, siteID string) (schedule.SchedulePolicy, error) {
	p, err := getDoc[schedule.SchedulePolicy](ctx, c.q, `
		SELECT data_json FROM schedule_policies
		WHERE tenant_id = ? AND site_id = ? AND archived_at IS NULL
		ORDER BY seq DESC LIMIT 1`, tenantID, siteID)
	return p, notFoundAs(err, "schedule_policy", tenantID+"/"+siteID)
}

func (c *conn) SupersedePolicy(ctx context.Context, p schedule.SchedulePolicy, at time.Time) error {
	if _, err := c.q.ExecContext(ctx, `
		UPDATE schedule_policies SET archived_at = ?
		WHERE tenant_id = ? AND site_id = ? AND archived_at IS NULL`,
		ts(at), p.TenantID, p.SiteID); err != nil {
		return storageErr("archive policy", err)
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO schedule_policies (id, tenant_id, site_id, version, data_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.SiteID, p.Version, string(doc), ts(p.CreatedAt))
	return insertErr("policy", p.ID, err)
}

// =============================================================================
// PERIODS
// =============================================================================

func (c *conn) CreatePeriod(ctx context.Context, p schedule.SchedulePeriod) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO schedule_periods (id, tenant_id, site_id, status, period_start, version, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.TenantID, p.SiteID, p.Status, ts(p.Start), p.Version, string(doc))
	return insertErr("period", p.ID, err)
}

func (c *conn) GetPeriod(ctx context.Context, tenantID, id string) (schedule.SchedulePeriod, error) {
	p, err := getDoc[schedule.SchedulePeriod](ctx, c.q,
		"SELECT data_json FROM schedule_periods WHERE id = ? AND tenant_id = ?", id, tenantID)
	return p, notFoundAs(err, "period", id)
}

func (c *conn) ListPeriods(ctx context.Context, f schedule.PeriodFilter) ([]schedule.SchedulePeriod, error) {
	var w where
	w.eq("tenant_id", f.TenantID)
	w.eq("site_id", f.SiteID)
	w.eq("status", string(f.Status))
	return listDocs[schedule.SchedulePeriod](ctx, c.q,
		"SELECT data_json FROM schedule_periods"+w.String()+" ORDER BY period_start DESC, id", w.args...)
}

func (c *conn) UpdatePeriod(ctx context.Context, p schedule.SchedulePeriod) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE schedule_periods SET status = ?, version = ?, data_json = ?
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		p.Status, p.Version, string(doc), p.ID, p.TenantID, p.Version-1)
	return c.compareAndSet(ctx, res, err, "schedule_periods", "period", p.TenantID, p.ID)
}

// =============================================================================
// TICKETS, ASSIGNMENTS, PEOPLE
// =============================================================================

func (c *conn) SaveTicket(ctx context.Context, t schedule.Ticket) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO tickets (id, tenant_id, period_id, shift_start, data_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			period_id = excluded.period_id,
			shift_start = excluded.shift_start,
			data_json = excluded.data_json`,
		t.ID, t.TenantID, t.PeriodID, ts(t.Shift.Start), string(doc))
	return wrapStorage("save ticket", err)
}

func (c *conn) GetTicket(ctx context.Context, tenantID, id string) (schedule.Ticket, error) {
	t, err := getDoc[schedule.Ticket](ctx, c.q,
		"SELECT data_json FROM tickets WHERE id = ? AND tenant_id = ?", id, tenantID)
	return t, notFoundAs(err, "ticket", id)
}

func (c *conn) ListTickets(ctx context.Context, tenantID, periodID string) ([]schedule.Ticket, error) {
	var w where
	w.eq("tenant_id", tenantID)
	w.eq("period_id", periodID)
	return listDocs[schedule.Ticket](ctx, c.q,
		"SELECT data_json FROM tickets"+w.String()+" ORDER BY shift_start, id", w.args...)
}

func (c *conn) CreateAssignment(ctx context.Context, a schedule.Assignment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO assignments
		(id, tenant_id, ticket_id, period_id, staff_id, subcontractor_id, shift_start, shift_end, status, version, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.TicketID, a.PeriodID, a.StaffID, a.SubcontractorID,
		ts(a.Shift.Start), ts(a.Shift.End), a.Status, a.Version, string(doc))
	return insertErr("assignment", a.ID, err)
}

func (c *conn) UpdateAssignment(ctx context.Context, a schedule.Assignment) error {
	doc, err := json.Marshal(a)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE assignments SET
			ticket_id = ?, period_id = ?, staff_id = ?, subcontractor_id = ?,
			shift_start = ?, shift_end = ?, status = ?, version = ?, data_json = ?
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		a.TicketID, a.PeriodID, a.StaffID, a.SubcontractorID,
		ts(a.Shift.Start), ts(a.Shift.End), a.Status, a.Version, string(doc),
		a.ID, a.TenantID, a.Version-1)
	return c.compareAndSet(ctx, res, err, "assignments", "assignment", a.TenantID, a.ID)
}

func (c *conn) GetAssignment(ctx context.Context, tenantID, id string) (schedule.Assignment, error) {
	a, err := getDoc[schedule.Assignment](ctx, c.q,
		"SELECT data_json FROM assignments WHERE id = ? AND tenant_id = ?", id, tenantID)
	return a, notFoundAs(err, "assignment", id)
}

func (c *conn) ListAssignments(ctx context.Context, f schedule.AssignmentFilter) ([]schedule.Assignment, error) {
	var w where
	w.eq("tenant_id", f.TenantID)
	w.eq("period_id", f.PeriodID)
	w.eq("ticket_id", f.TicketID)
	w.eq("staff_id", f.StaffID)
	w.eq("subcontractor_id", f.SubcontractorID)
	if f.Window != nil {
		w.add("shift_start < ? AND shift_end > ?", ts(f.Window.End), ts(f.Window.Start))
	}
	if !f.IncludeReleased {
		w.add("status <> ?", string(schedule.AssignmentReleased))
	}
	return listDocs[schedule.Assignment](ctx, c.q,
		"SELECT data_json FROM assignments"+w.String()+" ORDER BY shift_start, id", w.args...)
}

func (c *conn) SaveStaff(ctx context.Context, s schedule.StaffProfile) error {
	return c.upsertDoc(ctx, "staff_profiles", s.ID, s.TenantID, s)
}

func (c *conn) GetStaff(ctx context.Context, tenantID, id string) (schedule.StaffProfile, error) {
	s, err := getDoc[schedule.StaffProfile](ctx, c.q,
		"SELECT data_json FROM staff_profiles WHERE id = ? AND tenant_id = ?", id, tenantID)
	return s, notFoundAs(err, "staff", id)
}

func (c *conn) SaveSubcontractor(ctx context.Context, s schedule.Subcontractor) error {
	return c.upsertDoc(ctx, "subcontractors", s.ID, s.TenantID, s)
}

func (c *conn) GetSubcontractor(ctx context.Context, tenantID, id string) (schedule.Subcontractor, error) {
	s, err := getDoc[schedule.Subcontractor](ctx, c.q,
		"SELECT data_json FROM subcontractors WHERE id = ? AND tenant_id = ?", id, tenantID)
	return s, notFoundAs(err, "subcontractor", id)
}

// =============================================================================
// CONFLICTS
// =============================================================================

func (c *conn) ArchiveConflicts(ctx context.Context, tenantID, periodID string, at time.Time) error {
	_, err := c.q.ExecContext(ctx, `
		UPDATE conflict_records SET archived_at = ?
		WHERE tenant_id = ? AND period_id = ? AND archived_at IS NULL`,
		ts(at), tenantID, periodID)
	return wrapStorage("archive conflicts", err)
}

func (c *conn) AppendConflicts(ctx context.Context, recs []schedule.ConflictRecord) error {
	for _, r := range recs {
		doc, err := json.Marshal(r)
		if err != nil {
			return err
		}
		_, err = c.q.ExecContext(ctx, `
			INSERT INTO conflict_records
			(record_id, tenant_id, period_id, severity, is_blocking, recorded_at, data_json)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.RecordID, r.TenantID, r.Conflict.PeriodID, r.Conflict.Severity,
			r.Conflict.IsBlocking, ts(r.RecordedAt), string(doc))
		if err := insertErr("conflict_record", r.RecordID, err); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) ListConflicts(ctx context.Context, f schedule.ConflictFilter) ([]schedule.ConflictRecord, error) {
	var w where
	w.eq("tenant_id", f.TenantID)
	w.eq("period_id", f.PeriodID)
	w.eq("severity", string(f.Severity))
	if f.BlockingOnly {
		w.add("is_blocking")
	}
	if !f.IncludeArchived {
		w.add("archived_at IS NULL")
	}
	rows, err := c.q.QueryContext(ctx,
		"SELECT data_json, archived_at FROM conflict_records"+w.String()+" ORDER BY recorded_at DESC, seq", w.args...)
	if err != nil {
		return nil, storageErr("query conflicts", err)
	}
	defer rows.Close()

	var out []schedule.ConflictRecord
	for rows.Next() {
		var (
			doc        string
			archivedAt sql.NullString
			r          schedule.ConflictRecord
		)
		if err := rows.Scan(&doc, &archivedAt); err != nil {
			return nil, storageErr("scan conflict", err)
		}
		if err := json.Unmarshal([]byte(doc), &r); err != nil {
			return nil, fmt.Errorf("decode conflict %s: %w", doc, err)
		}
		if archivedAt.Valid {
			t, err := time.Parse(tsLayout, archivedAt.String)
			if err != nil {
				return nil, err
			}
			r.ArchivedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// TRADES
// =============================================================================

func (c *conn) CreateTrade(ctx context.Context, t schedule.ShiftTradeRequest) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO trade_requests (id, tenant_id, period_id, ticket_id, status, version, created_at, data_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.TenantID, t.PeriodID, t.TicketID, t.Status, t.Version, ts(t.CreatedAt), string(doc))
	return insertErr("trade", t.ID, err)
}

func (c *conn) GetTrade(ctx context.Context, tenantID, id string) (schedule.ShiftTradeRequest, error) {
	t, err := getDoc[schedule.ShiftTradeRequest](ctx, c.q,
		"SELECT data_json FROM trade_requests WHERE id = ? AND tenant_id = ?", id, tenantID)
	return t, notFoundAs(err, "trade", id)
}

func (c *conn) UpdateTrade(ctx context.Context, t schedule.ShiftTradeRequest) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return err
	}
	res, err := c.q.ExecContext(ctx, `
		UPDATE trade_requests SET status = ?, version = ?, data_json = ?
		WHERE id = ? AND tenant_id = ? AND version = ?`,
		t.Status, t.Version, string(doc), t.ID, t.TenantID, t.Version-1)
	return c.compareAndSet(ctx, res, err, "trade_requests", "trade", t.TenantID, t.ID)
}

func (c *conn) ListTrades(ctx context.Context, f schedule.TradeFilter) ([]schedule.ShiftTradeRequest, error) {
	var w where
	w.eq("tenant_id", f.TenantID)
	w.eq("period_id", f.PeriodID)
	w.eq("ticket_id", f.TicketID)
	w.eq("status", string(f.Status))
	return listDocs[schedule.ShiftTradeRequest](ctx, c.q,
		"SELECT data_json FROM trade_requests"+w.String()+" ORDER BY created_at DESC, id", w.args...)
}

// =============================================================================
// PLANNING BOARD
// =============================================================================

func (c *conn) SaveBoardItem(ctx context.Context, item schedule.PlanningBoardItem) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO board_items (id, tenant_id, board_id, data_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json`,
		item.ID, item.TenantID, item.BoardID, string(doc))
	return wrapStorage("save board item", err)
}

func (c *conn) GetBoardItem(ctx context.Context, tenantID, boardID, itemID string) (schedule.PlanningBoardItem, error) {
	item, err := getDoc[schedule.PlanningBoardItem](ctx, c.q,
		"SELECT data_json FROM board_items WHERE id = ? AND tenant_id = ? AND board_id = ?", itemID, tenantID, boardID)
	return item, notFoundAs(err, "board_item", itemID)
}

func (c *conn) SaveProposal(ctx context.Context, p schedule.PlanningItemProposal) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx, `
		INSERT INTO proposals (id, tenant_id, board_item_id, created_at, data_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json`,
		p.ID, p.TenantID, p.BoardItemID, ts(p.CreatedAt), string(doc))
	return wrapStorage("save proposal", err)
}

func (c *conn) GetProposal(ctx context.Context, tenantID, id string) (schedule.PlanningItemProposal, error) {
	p, err := getDoc[schedule.PlanningItemProposal](ctx, c.q,
		"SELECT data_json FROM proposals WHERE id = ? AND tenant_id = ?", id, tenantID)
	return p, notFoundAs(err, "proposal", id)
}

func (c *conn) ListProposals(ctx context.Context, tenantID, boardItemID string) ([]schedule.PlanningItemProposal, error) {
	return listDocs[schedule.PlanningItemProposal](ctx, c.q, `
		SELECT data_json FROM proposals
		WHERE tenant_id = ? AND board_item_id = ?
		ORDER BY created_at, id`, tenantID, boardItemID)
}

func (c *conn) AppendDriftEvent(ctx context.Context, e schedule.DriftResolutionEvent) error {
	doc, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		"INSERT INTO drift_events (id, tenant_id, board_item_id, data_json) VALUES (?, ?, ?, ?)",
		e.ID, e.TenantID, e.BoardItemID, string(doc))
	return insertErr("drift_event", e.ID, err)
}

func (c *conn) ListDriftEvents(ctx context.Context, tenantID, boardItemID string) ([]schedule.DriftResolutionEvent, error) {
	var w where
	w.eq("tenant_id", tenantID)
	w.eq("board_item_id", boardItemID)
	return listDocs[schedule.DriftResolutionEvent](ctx, c.q,
		"SELECT data_json FROM drift_events"+w.String()+" ORDER BY seq", w.args...)
}

// =============================================================================
// HELPERS
// =============================================================================

func ts(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// where accumulates AND-ed predicates. Empty equality values are skipped,
// matching the "zero field does not filter" rule of the schedule filters.
type where struct {
	preds []string
	args  []any
}

func (w *where) eq(col, val string) {
	if val != "" {
		w.add(col+" = ?", val)
	}
}

func (w *where) add(pred string, args ...any) {
	w.preds = append(w.preds, pred)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.preds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.preds, " AND ")
}

func getDoc[T any](ctx context.Context, q queryer, query string, args ...any) (T, error) {
	var (
		v   T
		doc string
	)
	if err := q.QueryRowContext(ctx, query, args...).Scan(&doc); err != nil {
		return v, err
	}
	if err := json.Unmarshal([]byte(doc), &v); err != nil {
		return v, fmt.Errorf("decode %T: %w", v, err)
	}
	return v, nil
}

func listDocs[T any](ctx context.Context, q queryer, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query", err)
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, storageErr("scan", err)
		}
		var v T
		if err := json.Unmarshal([]byte(doc), &v); err != nil {
			return nil, fmt.Errorf("decode %T: %w", v, err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (c *conn) upsertDoc(ctx context.Context, table, id, tenantID string, v any) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.q.ExecContext(ctx,
		"INSERT INTO "+table+" (id, tenant_id, data_json) VALUES (?, ?, ?) "+
			"ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json",
		id, tenantID, string(doc))
	return wrapStorage("save "+table, err)
}

// compareAndSet turns a zero-row versioned UPDATE into NotFound or
// ErrConcurrentModification depending on whether the row exists.
func (c *conn) compareAndSet(ctx context.Context, res sql.Result, err error, table, entity, tenantID, id string) error {
	if err != nil {
		return storageErr("update "+entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("update "+entity, err)
	}
	if n == 1 {
		return nil
	}
	var one int
	err = c.q.QueryRowContext(ctx, "SELECT 1 FROM "+table+" WHERE id = ? AND tenant_id = ?", id, tenantID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return &schedule.NotFoundError{Entity: entity, ID: id}
	case err != nil:
		return storageErr("update "+entity, err)
	}
	return schedule.ErrConcurrentModification
}

func notFoundAs(err error, entity, id string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return &schedule.NotFoundError{Entity: entity, ID: id}
	}
	return wrapStorage("get "+entity, err)
}

func insertErr(entity, id string, err error) error {
	if isUniqueConstraintError(err) {
		return &schedule.PreconditionError{Field: entity, Reason: fmt.Sprintf("%q already exists", id)}
	}
	return wrapStorage("insert "+entity, err)
}

func wrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return storageErr(op, err)
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", schedule.ErrStorage, op, err)
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

var _ schedule.TxStore = (*Store)(nil)
