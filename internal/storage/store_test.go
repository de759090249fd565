package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "signals.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertSignal(t *testing.T, s *Store, unit, kind, status string) int64 {
	t.Helper()
	res, err := s.db.Exec(`
		INSERT INTO signals (bot_name, symbol, direction, signal_type, entry_1, stop_loss, target_1, status)
		VALUES (?, 'BTC', 'long', ?, 50000, 48000, 52000, ?)`,
		unit, kind, status)
	if err != nil {
		t.Fatalf("insert signal: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestClaimNextPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if sig, err := s.ClaimNextPending(ctx, "alpha", domain.KindEntry); err != nil || sig != nil {
		t.Fatalf("ClaimNextPending(empty) = %v, %v; want nil, nil", sig, err)
	}

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusPending)
	insertSignal(t, s, "beta", domain.KindEntry, domain.StatusPending)

	sig, err := s.ClaimNextPending(ctx, "alpha", domain.KindEntry)
	if err != nil {
		t.Fatalf("ClaimNextPending() error = %v", err)
	}
	if sig == nil || sig.ID != id {
		t.Fatalf("ClaimNextPending() = %+v, want id %d", sig, id)
	}
	if sig.Status != domain.StatusProcessing {
		t.Errorf("claimed status = %s, want processing", sig.Status)
	}

	// The claim is exclusive: a second call sees nothing for this unit.
	if again, _ := s.ClaimNextPending(ctx, "alpha", domain.KindEntry); again != nil {
		t.Errorf("second claim returned %+v, want nil", again)
	}
}

func TestClaimRespectsKindAndUnit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusPending)

	if sig, _ := s.ClaimNextPending(ctx, "alpha", domain.KindExit); sig != nil {
		t.Errorf("exit claim matched an entry signal: %+v", sig)
	}
	if sig, _ := s.ClaimNextPending(ctx, "beta", domain.KindEntry); sig != nil {
		t.Errorf("claim crossed unit boundary: %+v", sig)
	}
}

func TestResetToPending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusPending)
	if _, err := s.ClaimNextPending(ctx, "alpha", domain.KindEntry); err != nil {
		t.Fatal(err)
	}
	if err := s.ResetToPending(ctx, id); err != nil {
		t.Fatalf("ResetToPending() error = %v", err)
	}

	sig, _ := s.ClaimNextPending(ctx, "alpha", domain.KindEntry)
	if sig == nil || sig.ID != id {
		t.Errorf("reset signal was not reclaimable, got %+v", sig)
	}
}

func TestRecordEntryPlacement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusProcessing)
	targets := [domain.MaxTargets]int64{101, 102, 0, 0, 0}
	if err := s.RecordEntryPlacement(ctx, id, domain.StatusSent, 0.5, 100, 200, targets); err != nil {
		t.Fatalf("RecordEntryPlacement() error = %v", err)
	}

	sig, err := s.SignalByID(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if sig.Status != domain.StatusSent {
		t.Errorf("status = %s, want sent", sig.Status)
	}
	if sig.ActualSize != 0.5 {
		t.Errorf("size = %v, want 0.5", sig.ActualSize)
	}
	if sig.EntryOrderID != 100 || sig.StopOrderID != 200 {
		t.Errorf("oids = %d/%d, want 100/200", sig.EntryOrderID, sig.StopOrderID)
	}
	if sig.TargetOrders != targets {
		t.Errorf("target oids = %v, want %v", sig.TargetOrders, targets)
	}
}

func TestMarkFailedAppendsNote(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusProcessing)
	if err := s.MarkFailed(ctx, id, "Order rejected: Insufficient margin"); err != nil {
		t.Fatal(err)
	}

	sig, _ := s.SignalByID(ctx, id)
	if sig.Status != domain.StatusFailed {
		t.Errorf("status = %s, want failed", sig.Status)
	}
	if sig.Notes != " | Order rejected: Insufficient margin" {
		t.Errorf("notes = %q", sig.Notes)
	}
}

func TestPendingExitCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	insertSignal(t, s, "alpha", domain.KindExit, domain.StatusPending)
	insertSignal(t, s, "alpha", domain.KindExit, domain.StatusPending)
	insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusPending)
	insertSignal(t, s, "beta", domain.KindExit, domain.StatusPending)

	n, err := s.PendingExitCount(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("PendingExitCount() = %d, want 2", n)
	}
}

func TestControls(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := func(q string, args ...any) {
		t.Helper()
		if _, err := s.db.Exec(q, args...); err != nil {
			t.Fatal(err)
		}
	}
	exec(`INSERT INTO bot_controls (bot_id, command) VALUES ('alpha', 'PAUSE')`)
	exec(`INSERT INTO bot_controls (bot_id, command) VALUES ('ALL', 'CLOSE_ALL')`)
	exec(`INSERT INTO bot_controls (bot_id, command) VALUES ('beta', 'PAUSE')`)
	exec(`INSERT INTO bot_controls (bot_id, command, executed) VALUES ('alpha', 'RESUME', 1)`)

	cmds, err := s.PendingControls(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(cmds) != 2 {
		t.Fatalf("PendingControls() = %d commands, want 2", len(cmds))
	}
	if cmds[0].Command != domain.CommandPause || cmds[1].Command != domain.CommandCloseAll {
		t.Errorf("commands = %s, %s", cmds[0].Command, cmds[1].Command)
	}

	if err := s.MarkControlExecuted(ctx, cmds[0].ID); err != nil {
		t.Fatal(err)
	}
	cmds, _ = s.PendingControls(ctx, "alpha")
	if len(cmds) != 1 {
		t.Errorf("after execute, %d commands remain, want 1", len(cmds))
	}
}

func TestMarkClosedIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	pnl := 3.2

	changed, err := s.MarkClosed(ctx, id, &pnl, "Position closed externally")
	if err != nil {
		t.Fatal(err)
	}
	if !changed {
		t.Fatal("first MarkClosed() did not transition")
	}

	changed, err = s.MarkClosed(ctx, id, &pnl, "Position closed externally")
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("second MarkClosed() transitioned again")
	}

	sig, _ := s.SignalByID(ctx, id)
	if sig.Status != domain.StatusClosed {
		t.Errorf("status = %s, want closed", sig.Status)
	}
}

func TestStaleSentSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	fresh := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusSent)
	stale := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusSent)
	if _, err := s.db.Exec(
		`UPDATE signals SET created_at = datetime('now', '-48 hours') WHERE id = ?`, stale); err != nil {
		t.Fatal(err)
	}

	sigs, err := s.StaleSentSignals(ctx, "alpha", 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || sigs[0].ID != stale {
		t.Fatalf("StaleSentSignals() = %v, want just id %d", sigs, stale)
	}
	if sigs[0].ID == fresh {
		t.Error("fresh sent signal flagged as stale")
	}

	changed, err := s.MarkExpired(ctx, stale, "No fill within 24h")
	if err != nil || !changed {
		t.Fatalf("MarkExpired() = %v, %v", changed, err)
	}
	if changed, _ = s.MarkExpired(ctx, stale, "again"); changed {
		t.Error("MarkExpired() transitioned twice")
	}
}

func TestClaimBreakevenOneShot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)

	claimed, err := s.ClaimBreakeven(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first ClaimBreakeven() = false")
	}
	if claimed, _ = s.ClaimBreakeven(ctx, id); claimed {
		t.Error("second ClaimBreakeven() = true, want one-shot")
	}

	// Releasing re-arms the claim for a retry.
	if err := s.ReleaseBreakeven(ctx, id, "BE SL failed: timeout"); err != nil {
		t.Fatal(err)
	}
	if claimed, _ = s.ClaimBreakeven(ctx, id); !claimed {
		t.Error("ClaimBreakeven() after release = false")
	}
}

func TestFindByTargetOrderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	targets := [domain.MaxTargets]int64{501, 502, 0, 0, 0}
	if err := s.RecordEntryPlacement(ctx, id, domain.StatusFilled, 1.0, 400, 450, targets); err != nil {
		t.Fatal(err)
	}

	sig, err := s.FindByTargetOrderID(ctx, "alpha", 502, 30*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.ID != id {
		t.Fatalf("FindByTargetOrderID(502) = %+v, want id %d", sig, id)
	}

	if sig, _ := s.FindByTargetOrderID(ctx, "alpha", 999, 30*24*time.Hour); sig != nil {
		t.Errorf("unknown oid matched signal %d", sig.ID)
	}

	// Outside the lookback window the identifier must not match.
	if _, err := s.db.Exec(
		`UPDATE signals SET created_at = datetime('now', '-60 days') WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}
	if sig, _ := s.FindByTargetOrderID(ctx, "alpha", 502, 30*24*time.Hour); sig != nil {
		t.Error("match found outside the lookback window")
	}
}

func TestSetTargetFillTimeFirstWriteWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	first := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	later := first.Add(time.Hour)

	if err := s.SetTargetFillTime(ctx, id, 1, first); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTargetFillTime(ctx, id, 1, later); err != nil {
		t.Fatal(err)
	}

	var got string
	if err := s.db.QueryRow(`SELECT tp1_filled_at FROM signals WHERE id = ?`, id).Scan(&got); err != nil {
		t.Fatal(err)
	}
	if got != "2026-08-01 12:00:00" {
		t.Errorf("tp1_filled_at = %q, want first observation kept", got)
	}

	if err := s.SetTargetFillTime(ctx, id, 6, first); err == nil {
		t.Error("SetTargetFillTime(6) accepted out-of-range index")
	}
}

func TestOpenEntriesWithoutBreakeven(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	withTP := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	if err := s.RecordEntryPlacement(ctx, withTP, domain.StatusFilled, 1.0, 1, 2, [domain.MaxTargets]int64{3}); err != nil {
		t.Fatal(err)
	}
	insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled) // no tp oid

	moved := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	if err := s.RecordEntryPlacement(ctx, moved, domain.StatusFilled, 1.0, 4, 5, [domain.MaxTargets]int64{6}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimBreakeven(ctx, moved); err != nil {
		t.Fatal(err)
	}

	sigs, err := s.OpenEntriesWithoutBreakeven(ctx, "alpha")
	if err != nil {
		t.Fatal(err)
	}
	if len(sigs) != 1 || sigs[0].ID != withTP {
		t.Errorf("OpenEntriesWithoutBreakeven() = %v, want just id %d", sigs, withTP)
	}
}

func TestLatestFilledEntry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)
	if _, err := s.db.Exec(
		`UPDATE signals SET created_at = datetime('now', '-2 hours') WHERE id = ?`, old); err != nil {
		t.Fatal(err)
	}
	recent := insertSignal(t, s, "alpha", domain.KindEntry, domain.StatusFilled)

	sig, err := s.LatestFilledEntry(ctx, "alpha", "BTC")
	if err != nil {
		t.Fatal(err)
	}
	if sig == nil || sig.ID != recent {
		t.Fatalf("LatestFilledEntry() = %+v, want id %d", sig, recent)
	}

	if sig, _ := s.LatestFilledEntry(ctx, "alpha", "ETH"); sig != nil {
		t.Errorf("LatestFilledEntry(ETH) = %+v, want nil", sig)
	}
}
