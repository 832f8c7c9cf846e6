package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/user/abusewatch/internal/model"
)

const dateLayout = "2006-01-02"

// Stat keys.
const (
	StatLastCheck   = "last_check"
	StatTotalChecks = "total_checks"
	StatLastReset   = "last_reset"
)

// QuotaStorage tracks the daily reputation API budget. Dates are taken from
// the time passed in, so callers control the timezone.
type QuotaStorage struct {
	db *DB
}

// NewQuotaStorage creates a new quota storage handler.
func NewQuotaStorage(db *DB) *QuotaStorage {
	return &QuotaStorage{db: db}
}

// Reservation is a block of checks granted ahead of a batch.
type Reservation struct {
	Date      string
	Granted   int
	Remaining int
}

// ResetIfNeeded starts a fresh counter when now falls on a day after the last
// reset. It returns true only for the call that performed the transition.
// An existing row for the day is never zeroed.
func (s *QuotaStorage) ResetIfNeeded(now time.Time) (bool, error) {
	var reset bool
	err := s.db.WithTx(func(tx *sql.Tx) error {
		var err error
		reset, err = resetIfNeeded(tx, now)
		return err
	})
	return reset, err
}

func resetIfNeeded(tx *sql.Tx, now time.Time) (bool, error) {
	today := now.Format(dateLayout)

	last, err := getStat(tx, StatLastReset)
	if err != nil {
		return false, err
	}
	// dates sort lexically; a clock stepping back is not a new day
	if today <= last {
		return false, nil
	}

	if _, err := tx.Exec(
		`INSERT INTO daily_quota (date, checks_performed) VALUES (?, 0)
		 ON CONFLICT(date) DO NOTHING`, today); err != nil {
		return false, fmt.Errorf("failed to reset daily quota: %w", err)
	}
	// keep a month of history
	cutoff := now.AddDate(0, 0, -31).Format(dateLayout)
	if _, err := tx.Exec(`DELETE FROM daily_quota WHERE date < ?`, cutoff); err != nil {
		return false, fmt.Errorf("failed to prune daily quota: %w", err)
	}
	if err := setStat(tx, StatLastReset, today); err != nil {
		return false, err
	}
	return true, nil
}

// Reserve grants up to want checks against limit for today. The counter is
// advanced by the granted amount before any check is issued.
func (s *QuotaStorage) Reserve(now time.Time, limit, want int) (Reservation, error) {
	res := Reservation{Date: now.Format(dateLayout)}
	err := s.db.WithTx(func(tx *sql.Tx) error {
		if _, err := resetIfNeeded(tx, now); err != nil {
			return err
		}

		used, err := quotaUsed(tx, res.Date)
		if err != nil {
			return err
		}

		avail := limit - used
		if avail < 0 {
			avail = 0
		}
		res.Granted = want
		if res.Granted > avail {
			res.Granted = avail
		}
		if res.Granted < 0 {
			res.Granted = 0
		}
		res.Remaining = avail - res.Granted

		if res.Granted == 0 {
			return nil
		}
		_, err = tx.Exec(
			`INSERT INTO daily_quota (date, checks_performed) VALUES (?, ?)
			 ON CONFLICT(date) DO UPDATE SET checks_performed = checks_performed + excluded.checks_performed`,
			res.Date, res.Granted)
		if err != nil {
			return fmt.Errorf("failed to reserve quota: %w", err)
		}
		return nil
	})
	return res, err
}

// RecordQuotaUse settles a reservation: the unused part is returned to the
// day it was taken from, and the cumulative stats advance by used.
func (s *QuotaStorage) RecordQuotaUse(res Reservation, used int, now time.Time) error {
	if used < 0 {
		used = 0
	}
	if used > res.Granted {
		used = res.Granted
	}
	return s.db.WithTx(func(tx *sql.Tx) error {
		if unused := res.Granted - used; unused > 0 {
			_, err := tx.Exec(
				`UPDATE daily_quota SET checks_performed = MAX(0, checks_performed - ?) WHERE date = ?`,
				unused, res.Date)
			if err != nil {
				return fmt.Errorf("failed to release quota: %w", err)
			}
		}
		if used == 0 {
			return nil
		}
		total, err := getStat(tx, StatTotalChecks)
		if err != nil {
			return err
		}
		n, _ := strconv.Atoi(total)
		if err := setStat(tx, StatTotalChecks, strconv.Itoa(n+used)); err != nil {
			return err
		}
		return setStat(tx, StatLastCheck, now.Format(time.RFC3339))
	})
}

// Status reports today's usage against limit.
func (s *QuotaStorage) Status(now time.Time, limit int) (model.QuotaStatus, error) {
	st := model.QuotaStatus{Date: now.Format(dateLayout), Limit: limit}
	err := s.db.WithRLock(func() error {
		used, err := quotaUsed(s.db, st.Date)
		st.Used = used
		return err
	})
	st.Remaining = limit - st.Used
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st, err
}

func quotaUsed(q queryer, date string) (int, error) {
	var used int
	err := q.QueryRow(`SELECT checks_performed FROM daily_quota WHERE date = ?`, date).Scan(&used)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read daily quota: %w", err)
	}
	return used, nil
}
