// Package storage implements the engine's side of the shared signal store
// contract. Ingestion creates signal rows and the admin tool creates control
// rows; everything here only claims, advances, and annotates them.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
)

// Store wraps the shared SQLite database. Safe for use by all of a unit's
// loops; the row-level conditional updates are the only mutual exclusion the
// engine relies on.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the signal database with WAL mode enabled and the
// schema in place.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=10000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("set pragma %s: %w", pragma, err)
		}
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS signals (
			id                   INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_name             TEXT NOT NULL,
			symbol               TEXT NOT NULL,
			direction            TEXT NOT NULL,
			signal_type          TEXT NOT NULL,
			entry_1              REAL,
			target_1             REAL,
			target_2             REAL,
			target_3             REAL,
			target_4             REAL,
			target_5             REAL,
			stop_loss            REAL,
			leverage             REAL,
			confidence_score     INTEGER,
			status               TEXT NOT NULL DEFAULT 'pending',
			position_size_actual REAL,
			order_id_entry       INTEGER,
			order_id_sl          INTEGER,
			order_id_tp1         INTEGER,
			order_id_tp2         INTEGER,
			order_id_tp3         INTEGER,
			order_id_tp4         INTEGER,
			order_id_tp5         INTEGER,
			tp1_filled_at        TEXT,
			tp2_filled_at        TEXT,
			tp3_filled_at        TEXT,
			tp4_filled_at        TEXT,
			tp5_filled_at        TEXT,
			sl_moved_to_be       INTEGER NOT NULL DEFAULT 0,
			be_sl_order_id       INTEGER,
			pnl_percent_actual   REAL,
			notes                TEXT,
			raw_message          TEXT,
			created_at           TEXT NOT NULL DEFAULT (datetime('now'))
		);

		CREATE INDEX IF NOT EXISTS idx_signals_claim
			ON signals (bot_name, status, signal_type, created_at);

		CREATE TABLE IF NOT EXISTS bot_controls (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			bot_id     TEXT NOT NULL,
			command    TEXT NOT NULL,
			executed   INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		);
	`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

const signalColumns = `
	id, bot_name, symbol, direction, signal_type,
	entry_1, target_1, target_2, target_3, target_4, target_5,
	stop_loss, leverage, confidence_score,
	status, position_size_actual,
	order_id_entry, order_id_sl,
	order_id_tp1, order_id_tp2, order_id_tp3, order_id_tp4, order_id_tp5,
	sl_moved_to_be, be_sl_order_id, notes, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSignal(row rowScanner) (*domain.Signal, error) {
	var (
		sig        domain.Signal
		entry      sql.NullFloat64
		targets    [domain.MaxTargets]sql.NullFloat64
		stop       sql.NullFloat64
		leverage   sql.NullFloat64
		confidence sql.NullInt64
		size       sql.NullFloat64
		entryOID   sql.NullInt64
		stopOID    sql.NullInt64
		tpOIDs     [domain.MaxTargets]sql.NullInt64
		beOID      sql.NullInt64
		notes      sql.NullString
		createdAt  string
	)

	err := row.Scan(
		&sig.ID, &sig.BotName, &sig.Symbol, &sig.Direction, &sig.Kind,
		&entry, &targets[0], &targets[1], &targets[2], &targets[3], &targets[4],
		&stop, &leverage, &confidence,
		&sig.Status, &size,
		&entryOID, &stopOID,
		&tpOIDs[0], &tpOIDs[1], &tpOIDs[2], &tpOIDs[3], &tpOIDs[4],
		&sig.SLMovedToBE, &beOID, &notes, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	sig.EntryPrice = entry.Float64
	for i := range targets {
		if targets[i].Valid {
			v := targets[i].Float64
			sig.Targets[i] = &v
		}
	}
	if stop.Valid {
		v := stop.Float64
		sig.StopLoss = &v
	}
	if leverage.Valid {
		v := leverage.Float64
		sig.Leverage = &v
	}
	if confidence.Valid {
		v := int(confidence.Int64)
		sig.ConfidenceScore = &v
	}
	sig.ActualSize = size.Float64
	sig.EntryOrderID = entryOID.Int64
	sig.StopOrderID = stopOID.Int64
	for i := range tpOIDs {
		sig.TargetOrders[i] = tpOIDs[i].Int64
	}
	sig.BreakevenOrderID = beOID.Int64
	sig.Notes = notes.String
	sig.CreatedAt = parseStoreTime(createdAt)

	return &sig, nil
}

// parseStoreTime accepts both sqlite's datetime('now') format and RFC3339,
// since ingestion writes whichever its driver produces.
func parseStoreTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// ClaimNextPending atomically claims the oldest pending signal of the given
// kind for a unit by flipping its status to processing. Returns nil when no
// pending row exists. The conditional update makes the claim safe even if a
// unit is ever scaled to multiple workers.
func (s *Store) ClaimNextPending(ctx context.Context, unit, kind string) (*domain.Signal, error) {
	for {
		var id int64
		err := s.db.QueryRowContext(ctx, `
			SELECT id FROM signals
			WHERE bot_name = ? AND status = ? AND signal_type = ?
			ORDER BY created_at ASC, id ASC LIMIT 1`,
			unit, domain.StatusPending, kind,
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending: %w", err)
		}

		res, err := s.db.ExecContext(ctx, `
			UPDATE signals SET status = ? WHERE id = ? AND status = ?`,
			domain.StatusProcessing, id, domain.StatusPending,
		)
		if err != nil {
			return nil, fmt.Errorf("claim signal %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n == 0 {
			// Lost the race to another worker; try the next row.
			continue
		}

		return s.SignalByID(ctx, id)
	}
}

// SignalByID loads a single signal row.
func (s *Store) SignalByID(ctx context.Context, id int64) (*domain.Signal, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+signalColumns+` FROM signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err != nil {
		return nil, fmt.Errorf("load signal %d: %w", id, err)
	}
	return sig, nil
}

// ResetToPending releases a claimed row so the next tick retries it. Used
// after a transport failure where no venue order was placed.
func (s *Store) ResetToPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET status = ? WHERE id = ? AND status = ?`,
		domain.StatusPending, id, domain.StatusProcessing)
	return err
}

// MarkExecuted terminalizes an exit signal after a successful close.
func (s *Store) MarkExecuted(ctx context.Context, id int64, note string) error {
	return s.setStatus(ctx, id, domain.StatusExecuted, note)
}

// MarkFailed terminalizes a signal with the failure reason in notes.
func (s *Store) MarkFailed(ctx context.Context, id int64, note string) error {
	return s.setStatus(ctx, id, domain.StatusFailed, note)
}

func (s *Store) setStatus(ctx context.Context, id int64, status, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET status = ?, notes = COALESCE(notes, '') || ?
		WHERE id = ?`,
		status, noteSuffix(note), id)
	return err
}

func noteSuffix(note string) string {
	if note == "" {
		return ""
	}
	return " | " + note
}

// RecordEntryPlacement persists the outcome of a successful entry placement:
// the computed size, every venue order identifier, and the post-placement
// status (sent for a resting limit, filled for an immediate market fill).
func (s *Store) RecordEntryPlacement(ctx context.Context, id int64, status string, size float64, entryOID, stopOID int64, targetOIDs [domain.MaxTargets]int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			status = ?,
			position_size_actual = ?,
			order_id_entry = ?,
			order_id_sl = ?,
			order_id_tp1 = ?, order_id_tp2 = ?, order_id_tp3 = ?, order_id_tp4 = ?, order_id_tp5 = ?
		WHERE id = ?`,
		status, size,
		nullableOID(entryOID), nullableOID(stopOID),
		nullableOID(targetOIDs[0]), nullableOID(targetOIDs[1]), nullableOID(targetOIDs[2]),
		nullableOID(targetOIDs[3]), nullableOID(targetOIDs[4]),
		id)
	return err
}

func nullableOID(oid int64) any {
	if oid == 0 {
		return nil
	}
	return oid
}

// PendingExitCount reports how many exit signals remain pending for a unit.
// Entries are only considered when this is zero.
func (s *Store) PendingExitCount(ctx context.Context, unit string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM signals
		WHERE bot_name = ? AND status = ? AND signal_type = ?`,
		unit, domain.StatusPending, domain.KindExit,
	).Scan(&n)
	return n, err
}

// PendingControls returns unexecuted control commands addressed to the unit
// or to the whole fleet, oldest first.
func (s *Store) PendingControls(ctx context.Context, unit string) ([]domain.ControlCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, bot_id, command, executed, created_at
		FROM bot_controls
		WHERE (bot_id = ? OR bot_id = ?) AND executed = 0
		ORDER BY created_at ASC, id ASC`,
		unit, domain.ControlTargetAll)
	if err != nil {
		return nil, fmt.Errorf("query controls: %w", err)
	}
	defer rows.Close()

	var cmds []domain.ControlCommand
	for rows.Next() {
		var (
			cmd       domain.ControlCommand
			createdAt string
		)
		if err := rows.Scan(&cmd.ID, &cmd.BotID, &cmd.Command, &cmd.Executed, &createdAt); err != nil {
			return nil, err
		}
		cmd.CreatedAt = parseStoreTime(createdAt)
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

// MarkControlExecuted flips a control command's executed flag.
func (s *Store) MarkControlExecuted(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE bot_controls SET executed = 1 WHERE id = ?`, id)
	return err
}

// OpenEntries returns the entry signals the store believes are open
// (status filled), newest first.
func (s *Store) OpenEntries(ctx context.Context, unit string) ([]*domain.Signal, error) {
	return s.querySignals(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE bot_name = ? AND signal_type = ? AND status = ?
		ORDER BY created_at DESC`,
		unit, domain.KindEntry, domain.StatusFilled)
}

// MarkClosed records that a believed-open position no longer exists on the
// venue. Idempotent: only a filled row transitions.
func (s *Store) MarkClosed(ctx context.Context, id int64, pnlPercent *float64, note string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET
			status = ?,
			pnl_percent_actual = COALESCE(?, pnl_percent_actual),
			notes = COALESCE(notes, '') || ?
		WHERE id = ? AND status = ?`,
		domain.StatusClosed, nullableFloat(pnlPercent), noteSuffix(note),
		id, domain.StatusFilled)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func nullableFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// StaleSentSignals returns sent rows older than maxAge, whose resting orders
// are considered abandoned.
func (s *Store) StaleSentSignals(ctx context.Context, unit string, maxAge time.Duration) ([]*domain.Signal, error) {
	modifier := fmt.Sprintf("-%d hours", int(maxAge.Hours()))
	return s.querySignals(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE bot_name = ? AND status = ?
		AND datetime(created_at) < datetime('now', ?)`,
		unit, domain.StatusSent, modifier)
}

// MarkExpired terminalizes an abandoned sent row. Idempotent via the status
// guard: a second pass finds nothing to expire.
func (s *Store) MarkExpired(ctx context.Context, id int64, note string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET status = ?, notes = COALESCE(notes, '') || ?
		WHERE id = ? AND status = ?`,
		domain.StatusExpired, noteSuffix(note), id, domain.StatusSent)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ClaimBreakeven atomically claims the one-shot breakeven transition for a
// signal. Returns false when another loop already claimed it, which is how
// the fill monitor and the reconciler avoid placing two breakeven stops.
func (s *Store) ClaimBreakeven(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE signals SET sl_moved_to_be = 1,
			notes = COALESCE(notes, '') || ' | BE SL in progress'
		WHERE id = ? AND sl_moved_to_be = 0`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseBreakeven resets the breakeven claim after a failed attempt so the
// reconciler can retry later.
func (s *Store) ReleaseBreakeven(ctx context.Context, id int64, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET sl_moved_to_be = 0,
			notes = COALESCE(notes, '') || ?
		WHERE id = ?`, noteSuffix(note), id)
	return err
}

// SetBreakevenOrder persists the replacement stop's order identifier.
func (s *Store) SetBreakevenOrder(ctx context.Context, id, oid int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET be_sl_order_id = ?,
			notes = COALESCE(notes, '') || ' | BE SL placed after TP1'
		WHERE id = ?`, oid, id)
	return err
}

// SetTargetFillTime records when target n (1-based) filled. Only the first
// observation writes; repeats are no-ops.
func (s *Store) SetTargetFillTime(ctx context.Context, id int64, n int, ts time.Time) error {
	if n < 1 || n > domain.MaxTargets {
		return fmt.Errorf("target index %d out of range", n)
	}
	col := fmt.Sprintf("tp%d_filled_at", n)
	_, err := s.db.ExecContext(ctx,
		`UPDATE signals SET `+col+` = ? WHERE id = ? AND `+col+` IS NULL`,
		ts.UTC().Format("2006-01-02 15:04:05"), id)
	return err
}

// FindByTargetOrderID locates the live signal owning a target-leg order
// identifier, restricted to the lookback window because the venue recycles
// order identifiers.
func (s *Store) FindByTargetOrderID(ctx context.Context, unit string, oid int64, lookback time.Duration) (*domain.Signal, error) {
	modifier := fmt.Sprintf("-%d hours", int(lookback.Hours()))
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE bot_name = ?
		AND (order_id_tp1 = ? OR order_id_tp2 = ? OR order_id_tp3 = ?
			OR order_id_tp4 = ? OR order_id_tp5 = ?)
		AND status IN (?, ?)
		AND datetime(created_at) > datetime('now', ?)`,
		unit, oid, oid, oid, oid, oid,
		domain.StatusFilled, domain.StatusSent, modifier)

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by target oid %d: %w", oid, err)
	}
	return sig, nil
}

// OpenEntriesWithoutBreakeven returns filled entries whose target-1 order
// exists but whose stop has not yet moved to breakeven. The reconciler scans
// these against venue fills to catch a missed target-1 fill.
func (s *Store) OpenEntriesWithoutBreakeven(ctx context.Context, unit string) ([]*domain.Signal, error) {
	return s.querySignals(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE bot_name = ? AND status = ?
		AND sl_moved_to_be = 0 AND order_id_tp1 IS NOT NULL`,
		unit, domain.StatusFilled)
}

// LatestFilledEntry returns the most recent filled entry for a symbol, used
// to attribute realized PnL from close fills.
func (s *Store) LatestFilledEntry(ctx context.Context, unit, symbol string) (*domain.Signal, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+signalColumns+` FROM signals
		WHERE bot_name = ? AND symbol = ? AND signal_type = ? AND status = ?
		ORDER BY created_at DESC, id DESC LIMIT 1`,
		unit, symbol, domain.KindEntry, domain.StatusFilled)

	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sig, nil
}

// AttachPnL records best-effort realized PnL on a signal. First write wins
// so periodic rescans stay idempotent.
func (s *Store) AttachPnL(ctx context.Context, id int64, pnlPercent float64, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE signals SET pnl_percent_actual = ?,
			notes = COALESCE(notes, '') || ?
		WHERE id = ? AND pnl_percent_actual IS NULL`,
		pnlPercent, noteSuffix(note), id)
	return err
}

func (s *Store) querySignals(ctx context.Context, query string, args ...any) ([]*domain.Signal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query signals: %w", err)
	}
	defer rows.Close()

	var sigs []*domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}
