package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/user/abusewatch/internal/model"
)

// Store groups the per-entity handlers and owns the operations that must
// touch more than one table atomically.
type Store struct {
	db      *DB
	Hosts   *HostStorage
	Threats *ThreatStorage
	Quota   *QuotaStorage
	Stats   *StatsStorage
}

// NewStore wires the handlers over db.
func NewStore(db *DB) *Store {
	return &Store{
		db:      db,
		Hosts:   NewHostStorage(db),
		Threats: NewThreatStorage(db),
		Quota:   NewQuotaStorage(db),
		Stats:   NewStatsStorage(db),
	}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordOutcome describes the threat row around a RecordCheck call.
type RecordOutcome struct {
	WasThreat  bool // a threat record existed before the write
	MarkedSafe bool // the record is under an operator override
	Removed    bool // the record was deleted by this write
}

// RecordCheck persists one check: the host row and the matching threat
// write or removal commit together. A marked-safe record is never deleted
// here and keeps its override.
func (s *Store) RecordCheck(res model.CheckResult) (RecordOutcome, error) {
	var out RecordOutcome
	if res.CheckedAt.IsZero() {
		res.CheckedAt = time.Now()
	}

	err := s.db.WithTx(func(tx *sql.Tx) error {
		var marked int
		err := tx.QueryRow(`SELECT marked_safe FROM threats WHERE ip = ?`, res.IP).Scan(&marked)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read threat %s: %w", res.IP, err)
		default:
			out.WasThreat = true
			out.MarkedSafe = marked != 0
		}

		if err := upsertHost(tx, res.IP, res.ThreatLevel, res.Country, res.Ports, res.CheckedAt); err != nil {
			return err
		}

		if res.ThreatLevel.IsThreat() || out.MarkedSafe {
			return upsertThreat(tx, res)
		}
		if out.WasThreat {
			if _, err := tx.Exec(`DELETE FROM threats WHERE ip = ? AND marked_safe = 0`, res.IP); err != nil {
				return fmt.Errorf("failed to remove threat %s: %w", res.IP, err)
			}
			out.Removed = true
		}
		return nil
	})
	if err != nil {
		return RecordOutcome{}, err
	}
	return out, nil
}

// RemoveHost deletes the threat record for ip. The checked host row stays,
// so its history and check count survive and the recency gate still applies.
func (s *Store) RemoveHost(ip string) (bool, error) {
	var removed bool
	err := s.db.WithLock(func() error {
		res, err := s.db.Exec(`DELETE FROM threats WHERE ip = ?`, ip)
		if err != nil {
			return fmt.Errorf("failed to remove threat %s: %w", ip, err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		return nil
	})
	return removed, err
}
