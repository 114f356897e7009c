package quota

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/draftforge/draftforge/internal/circuitbreaker"
	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const lockStripes = 64

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed          bool
	DailyRemaining   int
	MonthlyRemaining int
	Window           string    // exceeded dimension on rejection: day or month
	ResetAt          time.Time // when the exceeded window rolls over
}

// Ledger enforces daily and monthly generation caps per account. Counts are
// reserved optimistically at check time so concurrent requests cannot slip
// past the cap, then settled by Commit or returned by Rollback.
//
// Postgres is authoritative; when it is unreachable the ledger degrades to
// the file store and reconciles written records back once the database
// recovers. Rollover and evaluation live here, shared by both backends.
type Ledger struct {
	primary  RecordStore
	fallback *FileStore
	breaker  *circuitbreaker.CircuitBreaker
	tiers    map[string]config.TierLimit
	nowFn    func() time.Time
	locks    [lockStripes]sync.Mutex
}

func NewLedger(primary RecordStore, fallback *FileStore, tiers map[string]config.TierLimit) *Ledger {
	l := &Ledger{
		primary:  primary,
		fallback: fallback,
		tiers:    tiers,
		nowFn:    time.Now,
	}

	l.breaker = circuitbreaker.New(circuitbreaker.Config{
		MaxFailures:     3,
		Timeout:         30 * time.Second,
		HalfOpenSuccess: 1,
		// A caller giving up is not a database outage; only real backend
		// errors may open the circuit.
		IsFailure: func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		},
		OnStateChange: func(from, to circuitbreaker.State) {
			switch to {
			case circuitbreaker.StateOpen:
				log.Warn("quota ledger: database unavailable, using file fallback")
			case circuitbreaker.StateClosed:
				log.Info("quota ledger: database recovered, reconciling fallback records")
				go l.Reconcile(context.Background())
			}
		},
	})

	return l
}

func (l *Ledger) lockFor(accountID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	h.Write(accountID[:])
	return &l.locks[h.Sum32()%lockStripes]
}

// CheckAndReserve admits one generation request for the account, counting it
// against both caps immediately. The returned reservation must be settled
// with Commit (on success, with the actual token usage) or Rollback (the
// generation failed through no fault of the user).
func (l *Ledger) CheckAndReserve(ctx context.Context, accountID uuid.UUID, tier string, estTokens int64) (Decision, *Reservation, error) {
	limits, ok := l.tiers[tier]
	if !ok {
		limits = l.tiers["free"]
	}

	now := l.nowFn()

	mu := l.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	record, err := l.load(ctx, accountID)
	if errors.Is(err, ErrNotFound) {
		record = models.NewQuotaRecord(accountID, tier, now)
	} else if err != nil {
		return Decision{}, nil, err
	}

	record.Tier = tier
	rolled := record.Rollover(now)

	if limits.DailyQuota > 0 && record.DailyCount+1 > limits.DailyQuota {
		if rolled {
			l.saveBestEffort(ctx, record)
		}
		return Decision{
			Allowed:          false,
			DailyRemaining:   0,
			MonthlyRemaining: remaining(limits.MonthlyQuota, record.MonthlyCount),
			Window:           ratelimit.WindowDay,
			ResetAt:          record.DailyResetAt(),
		}, nil, nil
	}

	if limits.MonthlyQuota > 0 && record.MonthlyCount+1 > limits.MonthlyQuota {
		if rolled {
			l.saveBestEffort(ctx, record)
		}
		return Decision{
			Allowed:          false,
			DailyRemaining:   remaining(limits.DailyQuota, record.DailyCount),
			MonthlyRemaining: 0,
			Window:           ratelimit.WindowMonth,
			ResetAt:          record.MonthlyResetAt(),
		}, nil, nil
	}

	record.DailyCount++
	record.MonthlyCount++
	record.UpdatedAt = now

	if err := l.save(ctx, record); err != nil {
		return Decision{}, nil, err
	}

	return Decision{
			Allowed:          true,
			DailyRemaining:   remaining(limits.DailyQuota, record.DailyCount),
			MonthlyRemaining: remaining(limits.MonthlyQuota, record.MonthlyCount),
		}, &Reservation{
			ledger:    l,
			accountID: accountID,
			estTokens: estTokens,
		}, nil
}

func remaining(quota, count int) int {
	if quota <= 0 {
		return -1 // unlimited
	}
	r := quota - count
	if r < 0 {
		return 0
	}
	return r
}

// commit records the actual token usage of a finished generation.
func (l *Ledger) commit(ctx context.Context, accountID uuid.UUID, actualTokens int64) error {
	now := l.nowFn()

	mu := l.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	record, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}

	record.Rollover(now)
	record.TokensUsedToday += actualTokens
	record.TokensUsedMonth += actualTokens
	record.UpdatedAt = now

	return l.save(ctx, record)
}

// rollback returns a reserved slot after a failed generation.
func (l *Ledger) rollback(ctx context.Context, accountID uuid.UUID) error {
	now := l.nowFn()

	mu := l.lockFor(accountID)
	mu.Lock()
	defer mu.Unlock()

	record, err := l.load(ctx, accountID)
	if err != nil {
		return err
	}

	// If the period rolled over since the reservation, the counter was
	// already reset and there is nothing to return.
	record.Rollover(now)
	if record.DailyCount > 0 {
		record.DailyCount--
	}
	if record.MonthlyCount > 0 {
		record.MonthlyCount--
	}
	record.UpdatedAt = now

	return l.save(ctx, record)
}

// load reads through the breaker, degrading to the file store on failure.
// A missing record is not a backend failure and must not trip the breaker.
func (l *Ledger) load(ctx context.Context, accountID uuid.UUID) (*models.QuotaRecord, error) {
	var record *models.QuotaRecord
	var notFound bool

	err := l.breaker.Call(func() error {
		r, loadErr := l.primary.Load(ctx, accountID)
		if errors.Is(loadErr, ErrNotFound) {
			notFound = true
			return nil
		}
		if loadErr != nil {
			return loadErr
		}
		record = r
		return nil
	})

	if err != nil {
		if l.fallback == nil {
			return nil, err
		}
		return l.fallback.Load(ctx, accountID)
	}
	if notFound {
		return nil, ErrNotFound
	}

	return record, nil
}

func (l *Ledger) save(ctx context.Context, record *models.QuotaRecord) error {
	err := l.breaker.Call(func() error {
		return l.primary.Save(ctx, record)
	})

	if err != nil {
		if l.fallback == nil {
			return err
		}
		return l.fallback.Save(ctx, record)
	}

	return nil
}

func (l *Ledger) saveBestEffort(ctx context.Context, record *models.QuotaRecord) {
	if err := l.save(ctx, record); err != nil {
		log.WithError(err).Warn("quota ledger: failed to persist rollover")
	}
}

// Reconcile pushes records written to the file fallback back into the
// primary store. Best effort: a record that fails to transfer stays on disk
// for the next attempt.
func (l *Ledger) Reconcile(ctx context.Context) {
	if l.fallback == nil {
		return
	}

	accounts, err := l.fallback.Accounts()
	if err != nil {
		log.WithError(err).Warn("quota ledger: failed to list fallback records")
		return
	}

	transferred := 0
	for _, accountID := range accounts {
		fileRecord, err := l.fallback.Load(ctx, accountID)
		if err != nil {
			continue
		}

		primaryRecord, err := l.primary.Load(ctx, accountID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			// Primary is down again; the breaker will notice on the
			// request path, stop here.
			return
		}

		if primaryRecord == nil || fileRecord.UpdatedAt.After(primaryRecord.UpdatedAt) {
			if primaryRecord != nil {
				fileRecord.ID = primaryRecord.ID
			}
			if err := l.primary.Save(ctx, fileRecord); err != nil {
				return
			}
		}

		if err := l.fallback.Remove(accountID); err == nil {
			transferred++
		}
	}

	if transferred > 0 {
		log.WithField("records", transferred).Info("quota ledger: reconciled fallback records")
	}
}

// Degraded reports whether the ledger is writing to the file fallback.
func (l *Ledger) Degraded() bool {
	return l.breaker.State() != circuitbreaker.StateClosed
}

// Reservation is an admitted-but-unsettled generation request. Exactly one
// of Commit or Rollback takes effect; later calls are no-ops.
type Reservation struct {
	ledger    *Ledger
	accountID uuid.UUID
	estTokens int64

	mu      sync.Mutex
	settled bool
}

// Commit finalizes the reservation with the tokens actually consumed.
// Falls back to the estimate from reservation time when the provider did not
// report usage.
func (r *Reservation) Commit(ctx context.Context, actualTokens int64) error {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return nil
	}
	r.settled = true
	r.mu.Unlock()

	if actualTokens <= 0 {
		actualTokens = r.estTokens
	}

	return r.ledger.commit(ctx, r.accountID, actualTokens)
}

// Rollback releases the reserved slot so a failed generation does not burn
// quota.
func (r *Reservation) Rollback(ctx context.Context) error {
	r.mu.Lock()
	if r.settled {
		r.mu.Unlock()
		return nil
	}
	r.settled = true
	r.mu.Unlock()

	return r.ledger.rollback(ctx, r.accountID)
}
