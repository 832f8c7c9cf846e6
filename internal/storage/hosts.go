package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
)

// HostStorage handles checked host persistence.
type HostStorage struct {
	db *DB
}

// NewHostStorage creates a new host storage handler.
func NewHostStorage(db *DB) *HostStorage {
	return &HostStorage{db: db}
}

const hostColumns = `ip, first_seen, last_checked, check_count, threat_level, country, destination_port`

// Upsert records one check of ip. An empty ports value keeps the previous one.
func (s *HostStorage) Upsert(ip string, level model.ThreatLevel, country, ports string, now time.Time) error {
	return s.db.WithLock(func() error {
		return upsertHost(s.db, ip, level, country, ports, now)
	})
}

func upsertHost(q queryer, ip string, level model.ThreatLevel, country, ports string, now time.Time) error {
	if country == "" {
		country = "Unknown"
	}
	ts := now.UTC()
	_, err := q.Exec(`
		INSERT INTO checked_ips (ip, first_seen, last_checked, check_count, threat_level, country, destination_port)
		VALUES (?, ?, ?, 1, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			last_checked = excluded.last_checked,
			check_count = checked_ips.check_count + 1,
			threat_level = excluded.threat_level,
			country = excluded.country,
			destination_port = CASE
				WHEN excluded.destination_port = '' THEN checked_ips.destination_port
				ELSE excluded.destination_port
			END`,
		ip, ts, ts, int(level), country, ports)
	if err != nil {
		return fmt.Errorf("failed to upsert host %s: %w", ip, err)
	}
	return nil
}

// Get returns a single host or ErrNotFound.
func (s *HostStorage) Get(ip string) (*model.CheckedHost, error) {
	var host *model.CheckedHost
	err := s.db.WithRLock(func() error {
		row := s.db.QueryRow(`SELECT `+hostColumns+` FROM checked_ips WHERE ip = ?`, ip)
		h, err := scanHost(row)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get host %s: %w", ip, err)
		}
		host = h
		return nil
	})
	return host, err
}

// NeedingCheck filters candidates down to hosts never checked or last checked
// more than frequencyDays ago. Input order is preserved.
func (s *HostStorage) NeedingCheck(ips []string, frequencyDays int, now time.Time) ([]string, error) {
	if len(ips) == 0 {
		return nil, nil
	}
	cutoff := now.UTC().Add(-time.Duration(frequencyDays) * 24 * time.Hour)

	lastChecked := make(map[string]time.Time, len(ips))
	err := s.db.WithRLock(func() error {
		for start := 0; start < len(ips); start += 500 {
			end := start + 500
			if end > len(ips) {
				end = len(ips)
			}
			chunk := ips[start:end]

			args := make([]any, len(chunk))
			for i, ip := range chunk {
				args[i] = ip
			}
			query := `SELECT ip, last_checked FROM checked_ips WHERE ip IN (` + placeholders(len(chunk)) + `)`

			rows, err := s.db.Query(query, args...)
			if err != nil {
				return fmt.Errorf("failed to query check history: %w", err)
			}
			for rows.Next() {
				var ip string
				var ts time.Time
				if err := rows.Scan(&ip, &ts); err != nil {
					rows.Close()
					return fmt.Errorf("failed to scan check history: %w", err)
				}
				lastChecked[ip] = ts
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return err
			}
			rows.Close()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		ts, seen := lastChecked[ip]
		if !seen || ts.Before(cutoff) {
			out = append(out, ip)
		}
	}
	return out, nil
}

// List returns a page of hosts ordered by most recent check.
func (s *HostStorage) List(opts model.ListOptions) (model.Page[model.CheckedHost], error) {
	opts = opts.Normalize()

	where := ""
	var args []any
	if opts.Search != "" {
		where = ` WHERE ip LIKE ? OR country LIKE ?`
		like := "%" + opts.Search + "%"
		args = append(args, like, like)
	}

	var hosts []model.CheckedHost
	var total int
	err := s.db.WithRLock(func() error {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM checked_ips`+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("failed to count hosts: %w", err)
		}

		rows, err := s.db.Query(
			`SELECT `+hostColumns+` FROM checked_ips`+where+` ORDER BY last_checked DESC LIMIT ? OFFSET ?`,
			append(args, opts.Limit, opts.Offset())...)
		if err != nil {
			return fmt.Errorf("failed to query hosts: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			h, err := scanHost(rows)
			if err != nil {
				return fmt.Errorf("failed to scan host: %w", err)
			}
			hosts = append(hosts, *h)
		}
		return rows.Err()
	})
	if err != nil {
		return model.Page[model.CheckedHost]{}, err
	}
	return model.NewPage(hosts, opts, total), nil
}

// Count returns the total number of checked hosts.
func (s *HostStorage) Count() (int, error) {
	var count int
	err := s.db.WithRLock(func() error {
		return s.db.QueryRow("SELECT COUNT(*) FROM checked_ips").Scan(&count)
	})
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanHost(r rowScanner) (*model.CheckedHost, error) {
	var h model.CheckedHost
	var level int
	if err := r.Scan(&h.IP, &h.FirstSeen, &h.LastChecked, &h.CheckCount, &level, &h.Country, &h.DestinationPort); err != nil {
		return nil, err
	}
	h.ThreatLevel = model.ThreatLevel(level)
	return &h, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
