package models

import (
	"time"

	"github.com/google/uuid"
)

// QuotaRecord tracks generation usage for one account against its tier caps.
// Counters only grow within a period; Rollover resets them when the period
// boundary has passed. Both the postgres and the file backend go through
// Rollover so period handling cannot drift between them.
type QuotaRecord struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	AccountID       uuid.UUID `gorm:"type:uuid;uniqueIndex;not null" json:"account_id"`
	Tier            string    `gorm:"not null" json:"tier"`
	DayStart        time.Time `json:"day_start"`
	MonthStart      time.Time `json:"month_start"`
	DailyCount      int       `json:"daily_count"`
	MonthlyCount    int       `json:"monthly_count"`
	TokensUsedToday int64     `json:"tokens_used_today"`
	TokensUsedMonth int64     `json:"tokens_used_month"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func (QuotaRecord) TableName() string {
	return "quota_records"
}

// StartOfDayUTC truncates t to 00:00 UTC.
func StartOfDayUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// StartOfMonthUTC truncates t to the first of the month, 00:00 UTC.
func StartOfMonthUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NewQuotaRecord initializes a record with periods anchored at now.
func NewQuotaRecord(accountID uuid.UUID, tier string, now time.Time) *QuotaRecord {
	return &QuotaRecord{
		AccountID:  accountID,
		Tier:       tier,
		DayStart:   StartOfDayUTC(now),
		MonthStart: StartOfMonthUTC(now),
	}
}

// Rollover resets the daily and/or monthly counters if now has crossed the
// respective period boundary, and advances the period start. Returns true
// when anything changed.
func (q *QuotaRecord) Rollover(now time.Time) bool {
	changed := false

	if day := StartOfDayUTC(now); day.After(q.DayStart) {
		q.DayStart = day
		q.DailyCount = 0
		q.TokensUsedToday = 0
		changed = true
	}

	if month := StartOfMonthUTC(now); month.After(q.MonthStart) {
		q.MonthStart = month
		q.MonthlyCount = 0
		q.TokensUsedMonth = 0
		changed = true
	}

	return changed
}

// DailyResetAt returns when the daily counter next resets.
func (q *QuotaRecord) DailyResetAt() time.Time {
	return q.DayStart.Add(24 * time.Hour)
}

// MonthlyResetAt returns when the monthly counter next resets.
func (q *QuotaRecord) MonthlyResetAt() time.Time {
	return q.MonthStart.AddDate(0, 1, 0)
}
