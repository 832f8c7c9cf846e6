package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
)

// ThreatStorage handles threat record persistence.
type ThreatStorage struct {
	db *DB
}

// NewThreatStorage creates a new threat storage handler.
func NewThreatStorage(db *DB) *ThreatStorage {
	return &ThreatStorage{db: db}
}

const threatColumns = `t.ip, t.abuse_score, t.reports, t.categories, t.country, t.threat_level, t.last_seen,
	t.marked_safe, t.marked_safe_by, t.marked_safe_date, COALESCE(c.destination_port, ''), COALESCE(c.check_count, 0)`

const threatFrom = ` FROM threats t LEFT JOIN checked_ips c ON c.ip = t.ip`

// Upsert writes the reputation detail for ip, leaving the marked-safe fields untouched.
func (s *ThreatStorage) Upsert(res model.CheckResult) error {
	return s.db.WithLock(func() error {
		return upsertThreat(s.db, res)
	})
}

func upsertThreat(q queryer, res model.CheckResult) error {
	country := res.Country
	if country == "" {
		country = "Unknown"
	}
	_, err := q.Exec(`
		INSERT INTO threats (ip, abuse_score, reports, last_seen, categories, country, threat_level)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(ip) DO UPDATE SET
			abuse_score = excluded.abuse_score,
			reports = excluded.reports,
			last_seen = excluded.last_seen,
			categories = excluded.categories,
			country = excluded.country,
			threat_level = excluded.threat_level`,
		res.IP, res.Score, res.Reports, res.CheckedAt.UTC(), JoinCategories(res.Categories), country, int(res.ThreatLevel))
	if err != nil {
		return fmt.Errorf("failed to upsert threat %s: %w", res.IP, err)
	}
	return nil
}

// Remove deletes the threat record for ip unconditionally.
func (s *ThreatStorage) Remove(ip string) (bool, error) {
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

// MarkSafe flags an existing record as an operator-approved false positive.
func (s *ThreatStorage) MarkSafe(ip, actor string, now time.Time) error {
	if actor == "" {
		actor = "admin"
	}
	return s.db.WithLock(func() error {
		res, err := s.db.Exec(
			`UPDATE threats SET marked_safe = 1, marked_safe_by = ?, marked_safe_date = ? WHERE ip = ?`,
			actor, now.UTC(), ip)
		if err != nil {
			return fmt.Errorf("failed to mark %s safe: %w", ip, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// UnmarkSafe clears the marked-safe flag and its audit fields.
func (s *ThreatStorage) UnmarkSafe(ip string) error {
	return s.db.WithLock(func() error {
		res, err := s.db.Exec(
			`UPDATE threats SET marked_safe = 0, marked_safe_by = '', marked_safe_date = NULL WHERE ip = ?`, ip)
		if err != nil {
			return fmt.Errorf("failed to unmark %s: %w", ip, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Get returns one threat record or ErrNotFound.
func (s *ThreatStorage) Get(ip string) (*model.ThreatRecord, error) {
	var rec *model.ThreatRecord
	err := s.db.WithRLock(func() error {
		r, err := scanThreat(s.db.QueryRow(`SELECT `+threatColumns+threatFrom+` WHERE t.ip = ?`, ip))
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get threat %s: %w", ip, err)
		}
		rec = r
		return nil
	})
	return rec, err
}

// List returns a page of threats ordered by most recent sighting.
func (s *ThreatStorage) List(opts model.ListOptions) (model.Page[model.ThreatRecord], error) {
	opts = opts.Normalize()

	var conds []string
	var args []any
	if !opts.IncludeMarkedSafe {
		conds = append(conds, "t.marked_safe = 0")
	}
	if opts.Search != "" {
		conds = append(conds, "(t.ip LIKE ? OR t.country LIKE ?)")
		like := "%" + opts.Search + "%"
		args = append(args, like, like)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var records []model.ThreatRecord
	var total int
	err := s.db.WithRLock(func() error {
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM threats t`+where, args...).Scan(&total); err != nil {
			return fmt.Errorf("failed to count threats: %w", err)
		}

		rows, err := s.db.Query(
			`SELECT `+threatColumns+threatFrom+where+` ORDER BY t.last_seen DESC LIMIT ? OFFSET ?`,
			append(args, opts.Limit, opts.Offset())...)
		if err != nil {
			return fmt.Errorf("failed to query threats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanThreat(rows)
			if err != nil {
				return fmt.Errorf("failed to scan threat: %w", err)
			}
			records = append(records, *r)
		}
		return rows.Err()
	})
	if err != nil {
		return model.Page[model.ThreatRecord]{}, err
	}
	return model.NewPage(records, opts, total), nil
}

// All returns every threat record, newest first.
func (s *ThreatStorage) All(includeMarkedSafe bool) ([]model.ThreatRecord, error) {
	where := " WHERE t.marked_safe = 0"
	if includeMarkedSafe {
		where = ""
	}

	var records []model.ThreatRecord
	err := s.db.WithRLock(func() error {
		rows, err := s.db.Query(`SELECT ` + threatColumns + threatFrom + where + ` ORDER BY t.last_seen DESC`)
		if err != nil {
			return fmt.Errorf("failed to query threats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			r, err := scanThreat(rows)
			if err != nil {
				return fmt.Errorf("failed to scan threat: %w", err)
			}
			records = append(records, *r)
		}
		return rows.Err()
	})
	return records, err
}

// Flagged returns the IPs that belong in a firewall alias: malicious (and
// optionally suspicious) records that are not marked safe, most recent first.
// A limit of zero or less returns all of them.
func (s *ThreatStorage) Flagged(includeSuspicious bool, limit int) ([]string, error) {
	minLevel := int(model.LevelMalicious)
	if includeSuspicious {
		minLevel = int(model.LevelSuspicious)
	}
	query := `SELECT ip FROM threats WHERE marked_safe = 0 AND threat_level >= ? ORDER BY last_seen DESC`
	args := []any{minLevel}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	var ips []string
	err := s.db.WithRLock(func() error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return fmt.Errorf("failed to query flagged threats: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var ip string
			if err := rows.Scan(&ip); err != nil {
				return err
			}
			ips = append(ips, ip)
		}
		return rows.Err()
	})
	return ips, err
}

func scanThreat(r rowScanner) (*model.ThreatRecord, error) {
	var rec model.ThreatRecord
	var level, markedSafe int
	var markedDate sql.NullTime
	err := r.Scan(&rec.IP, &rec.AbuseScore, &rec.Reports, &rec.Categories, &rec.Country, &level, &rec.LastSeen,
		&markedSafe, &rec.MarkedSafeBy, &markedDate, &rec.DestinationPort, &rec.CheckCount)
	if err != nil {
		return nil, err
	}
	rec.ThreatLevel = model.ThreatLevel(level)
	rec.MarkedSafe = markedSafe != 0
	if markedDate.Valid {
		t := markedDate.Time
		rec.MarkedSafeDate = &t
	}
	return &rec, nil
}

// JoinCategories encodes category ids as a comma separated list.
func JoinCategories(cats []int) string {
	parts := make([]string, len(cats))
	for i, c := range cats {
		parts[i] = strconv.Itoa(c)
	}
	return strings.Join(parts, ",")
}

// SplitCategories decodes a list written by JoinCategories, skipping junk.
func SplitCategories(s string) []int {
	var out []int
	for _, p := range strings.Split(s, ",") {
		if n, err := strconv.Atoi(strings.TrimSpace(p)); err == nil {
			out = append(out, n)
		}
	}
	return out
}
