package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
)

// StatsStorage exposes the auxiliary key/value statistics and aggregate views.
type StatsStorage struct {
	db *DB
}

// NewStatsStorage creates a new stats storage handler.
func NewStatsStorage(db *DB) *StatsStorage {
	return &StatsStorage{db: db}
}

// Get returns the value stored under key, or "" when unset.
func (s *StatsStorage) Get(key string) (string, error) {
	var v string
	err := s.db.WithRLock(func() error {
		var err error
		v, err = getStat(s.db, key)
		return err
	})
	return v, err
}

// Set stores value under key.
func (s *StatsStorage) Set(key, value string) error {
	return s.db.WithLock(func() error {
		return setStat(s.db, key, value)
	})
}

// Summary builds the statistics overview. includeSuspicious widens the
// threat total the same way alias publication does.
func (s *StatsStorage) Summary(now time.Time, limit int, includeSuspicious bool) (*model.Summary, error) {
	sum := &model.Summary{}
	minLevel := int(model.LevelMalicious)
	if includeSuspicious {
		minLevel = int(model.LevelSuspicious)
	}

	err := s.db.WithRLock(func() error {
		counts := []struct {
			dst   *int
			query string
			args  []any
		}{
			{&sum.TotalIPs, `SELECT COUNT(*) FROM checked_ips`, nil},
			{&sum.TotalThreats, `SELECT COUNT(*) FROM threats WHERE marked_safe = 0 AND threat_level >= ?`, []any{minLevel}},
			{&sum.MaliciousCount, `SELECT COUNT(*) FROM threats WHERE marked_safe = 0 AND threat_level = ?`, []any{int(model.LevelMalicious)}},
			{&sum.SuspiciousCount, `SELECT COUNT(*) FROM threats WHERE marked_safe = 0 AND threat_level = ?`, []any{int(model.LevelSuspicious)}},
			{&sum.MarkedSafeCount, `SELECT COUNT(*) FROM threats WHERE marked_safe = 1`, nil},
		}
		for _, c := range counts {
			if err := s.db.QueryRow(c.query, c.args...).Scan(c.dst); err != nil {
				return fmt.Errorf("failed to count: %w", err)
			}
		}

		var err error
		if sum.LastCheck, err = getStat(s.db, StatLastCheck); err != nil {
			return err
		}
		total, err := getStat(s.db, StatTotalChecks)
		if err != nil {
			return err
		}
		sum.TotalChecks, _ = strconv.Atoi(total)

		used, err := quotaUsed(s.db, now.Format(dateLayout))
		if err != nil {
			return err
		}
		sum.Quota = model.QuotaStatus{Date: now.Format(dateLayout), Used: used, Limit: limit, Remaining: max(0, limit-used)}

		if sum.TopCountries, err = s.topCountries(10); err != nil {
			return err
		}
		sum.TopPorts, err = s.topPorts(10)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sum, nil
}

func (s *StatsStorage) topCountries(n int) ([]model.Count, error) {
	rows, err := s.db.Query(`
		SELECT country, COUNT(*) AS n FROM threats
		WHERE marked_safe = 0
		GROUP BY country ORDER BY n DESC, country ASC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query countries: %w", err)
	}
	defer rows.Close()

	var out []model.Count
	for rows.Next() {
		var c model.Count
		if err := rows.Scan(&c.Key, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// topPorts tallies destination ports across threatening hosts. Ports are
// stored as comma separated lists, so the split happens here.
func (s *StatsStorage) topPorts(n int) ([]model.Count, error) {
	rows, err := s.db.Query(`
		SELECT c.destination_port FROM checked_ips c
		JOIN threats t ON t.ip = c.ip
		WHERE t.marked_safe = 0 AND c.destination_port != ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to query ports: %w", err)
	}
	defer rows.Close()

	tally := make(map[string]int)
	for rows.Next() {
		var ports string
		if err := rows.Scan(&ports); err != nil {
			return nil, err
		}
		for _, p := range strings.Split(ports, ",") {
			if p = strings.TrimSpace(p); p != "" {
				tally[p]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.Count, 0, len(tally))
	for k, v := range tally {
		out = append(out, model.Count{Key: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Key < out[j].Key
	})
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

func getStat(q queryer, key string) (string, error) {
	var v string
	err := q.QueryRow(`SELECT value FROM stats WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read stat %s: %w", key, err)
	}
	return v, nil
}

func setStat(q queryer, key, value string) error {
	_, err := q.Exec(`INSERT INTO stats (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write stat %s: %w", key, err)
	}
	return nil
}
