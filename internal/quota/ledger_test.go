package quota

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/google/uuid"
)

func testQuotaTiers() map[string]config.TierLimit {
	return map[string]config.TierLimit{
		"free": {DailyQuota: 2, MonthlyQuota: 5},
		"pro":  {DailyQuota: 0, MonthlyQuota: 0}, // unlimited
	}
}

func newTestLedger(t *testing.T) (*Ledger, *time.Time) {
	t.Helper()

	primary, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	ledger := NewLedger(primary, nil, testQuotaTiers())
	now := time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)
	ledger.nowFn = func() time.Time { return now }

	return ledger, &now
}

func TestLedgerDailyCap(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 2; i++ {
		d, res, err := ledger.CheckAndReserve(ctx, account, "free", 1000)
		if err != nil {
			t.Fatalf("reserve %d: %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("reserve %d should be allowed", i+1)
		}
		if res == nil {
			t.Fatalf("reserve %d: missing reservation", i+1)
		}
	}

	d, res, err := ledger.CheckAndReserve(ctx, account, "free", 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed || res != nil {
		t.Fatal("3rd generation should be denied by the daily cap")
	}
	if d.Window != ratelimit.WindowDay {
		t.Fatalf("window = %q, want %q", d.Window, ratelimit.WindowDay)
	}
	if want := time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Fatalf("reset at = %v, want %v", d.ResetAt, want)
	}
}

func TestLedgerMonthlyCap(t *testing.T) {
	ledger, now := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	// Burn the monthly cap across three days, two per day
	for day := 0; day < 2; day++ {
		for i := 0; i < 2; i++ {
			if d, _, err := ledger.CheckAndReserve(ctx, account, "free", 1); err != nil || !d.Allowed {
				t.Fatalf("day %d reserve %d: allowed=%v err=%v", day, i+1, d.Allowed, err)
			}
		}
		*now = now.Add(24 * time.Hour)
	}
	if d, _, _ := ledger.CheckAndReserve(ctx, account, "free", 1); !d.Allowed {
		t.Fatal("5th generation of the month should be allowed")
	}

	*now = now.Add(24 * time.Hour)
	d, _, _ := ledger.CheckAndReserve(ctx, account, "free", 1)
	if d.Allowed {
		t.Fatal("6th generation should be denied by the monthly cap")
	}
	if d.Window != ratelimit.WindowMonth {
		t.Fatalf("window = %q, want %q", d.Window, ratelimit.WindowMonth)
	}
	if want := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC); !d.ResetAt.Equal(want) {
		t.Fatalf("reset at = %v, want %v", d.ResetAt, want)
	}
}

func TestLedgerDailyRollover(t *testing.T) {
	ledger, now := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 2; i++ {
		ledger.CheckAndReserve(ctx, account, "free", 1)
	}
	if d, _, _ := ledger.CheckAndReserve(ctx, account, "free", 1); d.Allowed {
		t.Fatal("daily cap should be exhausted")
	}

	// Next day: daily counter resets, monthly keeps counting
	*now = time.Date(2025, 6, 16, 0, 0, 1, 0, time.UTC)

	d, _, err := ledger.CheckAndReserve(ctx, account, "free", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("quota should be available after the daily rollover")
	}
	if d.DailyRemaining != 1 {
		t.Fatalf("daily remaining = %d, want 1", d.DailyRemaining)
	}
	if d.MonthlyRemaining != 2 {
		t.Fatalf("monthly remaining = %d, want 2", d.MonthlyRemaining)
	}
}

func TestLedgerMonthlyRollover(t *testing.T) {
	ledger, now := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 2; i++ {
		ledger.CheckAndReserve(ctx, account, "free", 1)
	}

	*now = time.Date(2025, 7, 1, 0, 0, 1, 0, time.UTC)

	d, _, err := ledger.CheckAndReserve(ctx, account, "free", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatal("quota should be available after the monthly rollover")
	}
	if d.MonthlyRemaining != 4 {
		t.Fatalf("monthly remaining = %d, want 4", d.MonthlyRemaining)
	}
}

func TestLedgerUnlimitedTier(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 50; i++ {
		d, _, err := ledger.CheckAndReserve(ctx, account, "pro", 1)
		if err != nil || !d.Allowed {
			t.Fatalf("reserve %d: allowed=%v err=%v", i+1, d.Allowed, err)
		}
		if d.DailyRemaining != -1 || d.MonthlyRemaining != -1 {
			t.Fatalf("unlimited tier should report -1 remaining, got %d/%d",
				d.DailyRemaining, d.MonthlyRemaining)
		}
	}
}

func TestReservationCommitRecordsTokens(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	_, res, err := ledger.CheckAndReserve(ctx, account, "free", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	if err := res.Commit(ctx, 742); err != nil {
		t.Fatalf("commit: %v", err)
	}

	record, err := ledger.primary.Load(ctx, account)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record.TokensUsedToday != 742 {
		t.Fatalf("tokens used today = %d, want 742", record.TokensUsedToday)
	}
	if record.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1", record.DailyCount)
	}
}

// ctxStore honors context cancellation the way gorm's WithContext does.
type ctxStore struct {
	inner *FileStore
}

func (s *ctxStore) Load(ctx context.Context, accountID uuid.UUID) (*models.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Load(ctx, accountID)
}

func (s *ctxStore) Save(ctx context.Context, record *models.QuotaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Save(ctx, record)
}

func TestLedgerClientCancellationDoesNotOpenBreaker(t *testing.T) {
	primary, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ledger := NewLedger(&ctxStore{inner: primary}, nil, testQuotaTiers())
	account := uuid.New()

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	// Well past the breaker's failure threshold
	for i := 0; i < 5; i++ {
		if _, _, err := ledger.CheckAndReserve(canceled, account, "free", 1000); err == nil {
			t.Fatalf("reserve %d: want error on a dead context", i+1)
		}
	}

	if ledger.Degraded() {
		t.Fatal("canceled requests must not count as a database outage")
	}

	// The backend is healthy; the next real request goes straight through
	d, _, err := ledger.CheckAndReserve(context.Background(), account, "free", 1000)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !d.Allowed {
		t.Fatal("first real request should be allowed")
	}
}

func TestReservationCommitFallsBackToEstimate(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	_, res, _ := ledger.CheckAndReserve(ctx, account, "free", 1000)

	// Provider did not report usage
	if err := res.Commit(ctx, 0); err != nil {
		t.Fatalf("commit: %v", err)
	}

	record, _ := ledger.primary.Load(ctx, account)
	if record.TokensUsedToday != 1000 {
		t.Fatalf("tokens used today = %d, want the 1000 estimate", record.TokensUsedToday)
	}
}

func TestReservationRollbackReturnsSlot(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	_, res, _ := ledger.CheckAndReserve(ctx, account, "free", 1000)

	if err := res.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	record, err := ledger.primary.Load(ctx, account)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if record.DailyCount != 0 || record.MonthlyCount != 0 {
		t.Fatalf("counts = %d/%d, want 0/0 after rollback",
			record.DailyCount, record.MonthlyCount)
	}
}

func TestReservationSettlesExactlyOnce(t *testing.T) {
	ledger, _ := newTestLedger(t)
	ctx := context.Background()
	account := uuid.New()

	_, res, _ := ledger.CheckAndReserve(ctx, account, "free", 1000)

	if err := res.Commit(ctx, 500); err != nil {
		t.Fatalf("commit: %v", err)
	}
	// Neither a second commit nor a late rollback changes anything
	if err := res.Commit(ctx, 9999); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if err := res.Rollback(ctx); err != nil {
		t.Fatalf("late rollback: %v", err)
	}

	record, _ := ledger.primary.Load(ctx, account)
	if record.TokensUsedToday != 500 {
		t.Fatalf("tokens used today = %d, want 500", record.TokensUsedToday)
	}
	if record.DailyCount != 1 {
		t.Fatalf("daily count = %d, want 1", record.DailyCount)
	}
}

type downStore struct{}

func (downStore) Load(context.Context, uuid.UUID) (*models.QuotaRecord, error) {
	return nil, errors.New("connection refused")
}

func (downStore) Save(context.Context, *models.QuotaRecord) error {
	return errors.New("connection refused")
}

func TestLedgerDegradesToFileStore(t *testing.T) {
	fallback, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	ledger := NewLedger(downStore{}, fallback, testQuotaTiers())
	ctx := context.Background()
	account := uuid.New()

	for i := 0; i < 2; i++ {
		d, _, err := ledger.CheckAndReserve(ctx, account, "free", 1)
		if err != nil {
			t.Fatalf("reserve %d must be served from the fallback, got %v", i+1, err)
		}
		if !d.Allowed {
			t.Fatalf("reserve %d should be allowed", i+1)
		}
	}

	// Caps still bind while degraded
	if d, _, _ := ledger.CheckAndReserve(ctx, account, "free", 1); d.Allowed {
		t.Fatal("daily cap must hold on the fallback store")
	}

	if !ledger.Degraded() {
		t.Fatal("ledger should report degraded")
	}
}

func TestLedgerReconcile(t *testing.T) {
	primary, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("primary store: %v", err)
	}
	fallback, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("fallback store: %v", err)
	}

	ledger := NewLedger(primary, fallback, testQuotaTiers())
	ctx := context.Background()
	account := uuid.New()

	// A record written while degraded
	record := models.NewQuotaRecord(account, "free", time.Now())
	record.DailyCount = 2
	record.MonthlyCount = 3
	record.UpdatedAt = time.Now()
	if err := fallback.Save(ctx, record); err != nil {
		t.Fatalf("seed fallback: %v", err)
	}

	ledger.Reconcile(ctx)

	got, err := primary.Load(ctx, account)
	if err != nil {
		t.Fatalf("record did not reach the primary: %v", err)
	}
	if got.DailyCount != 2 || got.MonthlyCount != 3 {
		t.Fatalf("counts = %d/%d, want 2/3", got.DailyCount, got.MonthlyCount)
	}

	if _, err := fallback.Load(ctx, account); !errors.Is(err, ErrNotFound) {
		t.Fatal("reconciled record should be removed from the fallback")
	}
}
