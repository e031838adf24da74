package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"dripsend/internal/mail"
	logx "dripsend/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "units.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testUnit(recipient string, due time.Time) mail.DeliveryUnit {
	return mail.NewUnit(recipient, "subject", "body", "sender@example.com", due, 0)
}

func TestCreateGetRoundtrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	due := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	u := testUnit("r@example.com", due)
	u.HourlyLimit = 25
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	got, err := st.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Recipient != u.Recipient || got.Subject != u.Subject || got.Sender != u.Sender {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if !got.ScheduledAt.Equal(due) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, due)
	}
	if got.Status != mail.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	if got.HourlyLimit != 25 {
		t.Fatalf("HourlyLimit = %d, want 25", got.HourlyLimit)
	}

	if _, err := st.GetUnit(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetUnit(missing) = %v, want ErrNotFound", err)
	}
}

func TestClaimUnitOnce(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := testUnit("r@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	got, ok, err := st.ClaimUnit(ctx, u.ID, now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	if got.Status != mail.StatusProcessing {
		t.Fatalf("claimed Status = %s, want processing", got.Status)
	}

	// Second claim (duplicate offer) must walk away without error.
	if _, ok, err := st.ClaimUnit(ctx, u.ID, now); err != nil || ok {
		t.Fatalf("duplicate claim: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	// Claiming a completed unit is also a no-op.
	if err := st.MarkCompleted(ctx, u.ID, now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); ok {
		t.Fatal("claim of a completed unit must fail")
	}

	// Claiming an unknown ID is a no-op too.
	if _, ok, err := st.ClaimUnit(ctx, "missing", now); err != nil || ok {
		t.Fatalf("claim of unknown unit: ok=%v err=%v", ok, err)
	}
}

func TestTransitionGuards(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := testUnit("r@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	// pending -> completed is not a legal transition
	if err := st.MarkCompleted(ctx, u.ID, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkCompleted on pending = %v, want ErrConflict", err)
	}
	if err := st.MarkFailed(ctx, u.ID, "boom", 3, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkFailed on pending = %v, want ErrConflict", err)
	}
	if err := st.ReleaseForRetry(ctx, u.ID, "boom", 1, now, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("ReleaseForRetry on pending = %v, want ErrConflict", err)
	}

	if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); !ok {
		t.Fatal("claim failed")
	}
	if err := st.MarkFailed(ctx, u.ID, "smtp unreachable", 3, now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := st.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Status != mail.StatusFailed || got.Attempts != 3 || got.ErrorDetail != "smtp unreachable" {
		t.Fatalf("failed unit = %+v", got)
	}

	// terminal states are final
	if err := st.MarkCompleted(ctx, u.ID, now); !errors.Is(err, ErrConflict) {
		t.Fatalf("MarkCompleted on failed = %v, want ErrConflict", err)
	}
}

func TestReleaseForRetryMovesSchedule(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	u := testUnit("r@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); !ok {
		t.Fatal("claim failed")
	}

	next := now.Add(4 * time.Second)
	if err := st.ReleaseForRetry(ctx, u.ID, "tls handshake failed", 1, next, now); err != nil {
		t.Fatalf("ReleaseForRetry: %v", err)
	}
	got, err := st.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Status != mail.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", got.Attempts)
	}
	if !got.ScheduledAt.Equal(next) {
		t.Fatalf("ScheduledAt = %v, want %v", got.ScheduledAt, next)
	}
	if got.ErrorDetail != "tls handshake failed" {
		t.Fatalf("ErrorDetail = %q", got.ErrorDetail)
	}
}

func TestClaimUnitRespectsSchedule(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	u := testUnit("r@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); !ok {
		t.Fatal("claim failed")
	}

	next := now.Add(time.Minute)
	if err := st.ReleaseForRetry(ctx, u.ID, "connection reset", 1, next, now); err != nil {
		t.Fatalf("ReleaseForRetry: %v", err)
	}

	// A duplicate offer arriving before the backoff delay elapsed must not
	// claim the unit.
	if _, ok, err := st.ClaimUnit(ctx, u.ID, now); err != nil || ok {
		t.Fatalf("early claim: ok=%v err=%v, want ok=false err=nil", ok, err)
	}
	got, err := st.GetUnit(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUnit: %v", err)
	}
	if got.Status != mail.StatusPending {
		t.Fatalf("Status = %s, want pending after rejected early claim", got.Status)
	}

	// Once the retry instant arrives the claim succeeds.
	if _, ok, err := st.ClaimUnit(ctx, u.ID, next); err != nil || !ok {
		t.Fatalf("due claim: ok=%v err=%v, want ok=true", ok, err)
	}
}

func TestRecordSentIdempotent(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	u := testUnit("r@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}

	first := mail.SentRecord{UnitID: u.ID, MessageID: "<m1@example.com>", SentAt: now}
	if err := st.RecordSent(ctx, first); err != nil {
		t.Fatalf("RecordSent: %v", err)
	}
	// Redelivery writes again with a different message ID; the original wins.
	dup := mail.SentRecord{UnitID: u.ID, MessageID: "<m2@example.com>", SentAt: now.Add(time.Second)}
	if err := st.RecordSent(ctx, dup); err != nil {
		t.Fatalf("RecordSent duplicate: %v", err)
	}
}

func TestRecoverUnits(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	early := testUnit("a@example.com", now.Add(time.Minute))
	late := testUnit("b@example.com", now.Add(time.Hour))
	stuck := testUnit("c@example.com", now.Add(30*time.Minute))
	done := testUnit("d@example.com", now)

	for _, u := range []mail.DeliveryUnit{early, late, stuck, done} {
		if err := st.CreateUnit(ctx, u); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	// stuck simulates a crash mid-processing; done reached terminal state.
	for _, id := range []string{stuck.ID, done.ID} {
		if _, ok, _ := st.ClaimUnit(ctx, id, now); !ok {
			t.Fatalf("claim %s failed", id)
		}
	}
	if err := st.MarkCompleted(ctx, done.ID, now); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	recovered, err := st.RecoverUnits(ctx, now)
	if err != nil {
		t.Fatalf("RecoverUnits: %v", err)
	}
	want := []string{early.ID, stuck.ID, late.ID} // scheduled ascending
	if len(recovered) != len(want) {
		t.Fatalf("recovered %d units, want %d", len(recovered), len(want))
	}
	for i, pu := range recovered {
		if pu.ID != want[i] {
			t.Fatalf("recovered[%d] = %s, want %s", i, pu.ID, want[i])
		}
	}

	got, _ := st.GetUnit(ctx, stuck.ID)
	if got.Status != mail.StatusPending {
		t.Fatalf("orphaned processing unit Status = %s, want pending", got.Status)
	}
	got, _ = st.GetUnit(ctx, done.ID)
	if got.Status != mail.StatusCompleted {
		t.Fatalf("completed unit must stay completed, got %s", got.Status)
	}
}

func TestReleaseStale(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	stale := testUnit("a@example.com", now)
	fresh := testUnit("b@example.com", now)
	for _, u := range []mail.DeliveryUnit{stale, fresh} {
		if err := st.CreateUnit(ctx, u); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	if _, ok, _ := st.ClaimUnit(ctx, stale.ID, now.Add(-10*time.Minute)); !ok {
		t.Fatal("claim stale failed")
	}
	if _, ok, _ := st.ClaimUnit(ctx, fresh.ID, now); !ok {
		t.Fatal("claim fresh failed")
	}

	ids, err := st.ReleaseStale(ctx, now.Add(-5*time.Minute), now)
	if err != nil {
		t.Fatalf("ReleaseStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("ReleaseStale = %v, want [%s]", ids, stale.ID)
	}

	got, _ := st.GetUnit(ctx, stale.ID)
	if got.Status != mail.StatusPending {
		t.Fatalf("stale unit Status = %s, want pending", got.Status)
	}
	got, _ = st.GetUnit(ctx, fresh.ID)
	if got.Status != mail.StatusProcessing {
		t.Fatalf("fresh claim must survive, got %s", got.Status)
	}
}

func TestListUnitsOrdering(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	// three pending with distinct due instants, inserted out of order
	p2 := testUnit("p2@example.com", now.Add(2*time.Minute))
	p1 := testUnit("p1@example.com", now.Add(1*time.Minute))
	p3 := testUnit("p3@example.com", now.Add(3*time.Minute))
	// two to be completed with distinct sent instants
	c1 := testUnit("c1@example.com", now)
	c2 := testUnit("c2@example.com", now)

	for _, u := range []mail.DeliveryUnit{p2, p1, p3, c1, c2} {
		if err := st.CreateUnit(ctx, u); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	for i, u := range []mail.DeliveryUnit{c1, c2} {
		if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); !ok {
			t.Fatalf("claim failed")
		}
		sentAt := now.Add(time.Duration(i) * time.Minute)
		if err := st.RecordSent(ctx, mail.SentRecord{UnitID: u.ID, MessageID: "<m@example.com>", SentAt: sentAt}); err != nil {
			t.Fatalf("RecordSent: %v", err)
		}
		if err := st.MarkCompleted(ctx, u.ID, sentAt); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	}

	pending, err := st.ListUnits(ctx, mail.StatusPending, 1, 10)
	if err != nil {
		t.Fatalf("ListUnits(pending): %v", err)
	}
	if len(pending) != 3 || pending[0].ID != p1.ID || pending[1].ID != p2.ID || pending[2].ID != p3.ID {
		t.Fatalf("pending order wrong: %v", pending)
	}

	// pagination
	page2, err := st.ListUnits(ctx, mail.StatusPending, 2, 2)
	if err != nil {
		t.Fatalf("ListUnits page 2: %v", err)
	}
	if len(page2) != 1 || page2[0].ID != p3.ID {
		t.Fatalf("page 2 = %v, want [%s]", page2, p3.ID)
	}

	completed, err := st.ListUnits(ctx, mail.StatusCompleted, 1, 10)
	if err != nil {
		t.Fatalf("ListUnits(completed): %v", err)
	}
	if len(completed) != 2 || completed[0].ID != c2.ID || completed[1].ID != c1.ID {
		t.Fatalf("completed order wrong (want most recent first): %v", completed)
	}

	if _, err := st.ListUnits(ctx, mail.Status("bogus"), 1, 10); err == nil {
		t.Fatal("expected error for invalid status filter")
	}
}

func TestCounts(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		if err := st.CreateUnit(ctx, testUnit("p@example.com", now)); err != nil {
			t.Fatalf("CreateUnit: %v", err)
		}
	}
	u := testUnit("f@example.com", now)
	if err := st.CreateUnit(ctx, u); err != nil {
		t.Fatalf("CreateUnit: %v", err)
	}
	if _, ok, _ := st.ClaimUnit(ctx, u.ID, now); !ok {
		t.Fatal("claim failed")
	}
	if err := st.MarkFailed(ctx, u.ID, "boom", 3, now); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	counts, err := st.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[mail.StatusPending] != 3 || counts[mail.StatusFailed] != 1 {
		t.Fatalf("Counts = %v", counts)
	}
}
