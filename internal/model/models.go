// Package model defines core data structures for abusewatch.
package model

import "time"

// ThreatLevel is the three-tier classification of a host.
type ThreatLevel int

const (
	LevelSafe ThreatLevel = iota
	LevelSuspicious
	LevelMalicious
)

// String returns the lowercase level name.
func (l ThreatLevel) String() string {
	switch l {
	case LevelSuspicious:
		return "suspicious"
	case LevelMalicious:
		return "malicious"
	default:
		return "safe"
	}
}

// IsThreat reports whether the level warrants a threat record.
func (l ThreatLevel) IsThreat() bool {
	return l >= LevelSuspicious
}

// ConnectionEvent is one accepted external to internal firewall record.
type ConnectionEvent struct {
	ExternalIP   string    `json:"external_ip"`
	InternalIP   string    `json:"internal_ip"`
	ExternalPort string    `json:"external_port"`
	InternalPort string    `json:"internal_port"`
	Protocol     string    `json:"protocol"`
	Action       string    `json:"action"`
	Interface    string    `json:"interface"`
	RuleNumber   string    `json:"rule_number"`
	IPVersion    int       `json:"ip_version"`
	Timestamp    time.Time `json:"timestamp"`
}

// CheckedHost is the durable check history of one external IP.
type CheckedHost struct {
	IP              string      `json:"ip"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastChecked     time.Time   `json:"last_checked"`
	CheckCount      int         `json:"check_count"`
	ThreatLevel     ThreatLevel `json:"threat_level"`
	Country         string      `json:"country"`
	DestinationPort string      `json:"destination_port"`
}

// ThreatRecord is the reputation detail kept for a suspicious or malicious host.
type ThreatRecord struct {
	IP             string      `json:"ip"`
	AbuseScore     int         `json:"abuse_score"`
	Reports        int         `json:"reports"`
	Categories     string      `json:"categories"`
	Country        string      `json:"country"`
	ThreatLevel    ThreatLevel `json:"threat_level"`
	LastSeen       time.Time   `json:"last_seen"`
	MarkedSafe     bool        `json:"marked_safe"`
	MarkedSafeBy   string      `json:"marked_safe_by,omitempty"`
	MarkedSafeDate *time.Time  `json:"marked_safe_date,omitempty"`
	// Joined from checked_ips for listings.
	DestinationPort string `json:"destination_port,omitempty"`
	CheckCount      int    `json:"check_count,omitempty"`
}

// CheckResult is everything persisted for a single reputation check.
type CheckResult struct {
	IP          string
	Score       int
	Reports     int
	Categories  []int
	Country     string
	ThreatLevel ThreatLevel
	Ports       string
	CheckedAt   time.Time
}

// ThreatEvent is handed to notification channels.
type ThreatEvent struct {
	IP          string      `json:"ip"`
	Score       int         `json:"score"`
	Reports     int         `json:"reports"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Country     string      `json:"country"`
	Connections []string    `json:"connections"`
	IsNew       bool        `json:"is_new"`
}

// BatchResult summarizes one batch run.
type BatchResult struct {
	ID              string        `json:"id"`
	Candidates      int           `json:"candidates"`
	Checked         int           `json:"checked"`
	ThreatsDetected int           `json:"threats_detected"`
	NewThreats      int           `json:"new_threats"`
	Skipped         int           `json:"skipped"`
	Errors          int           `json:"errors"`
	Aborted         bool          `json:"aborted"`
	Duration        time.Duration `json:"duration"`
	// Hosts whose check failed transiently; they belong in the next batch.
	Retry []string `json:"retry,omitempty"`
}

// QuotaStatus reports today's API usage.
type QuotaStatus struct {
	Date      string `json:"date"`
	Used      int    `json:"used"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

// Count is a labelled tally used by the statistics views.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Summary aggregates the store for statistics views.
type Summary struct {
	TotalIPs        int         `json:"total_ips"`
	TotalThreats    int         `json:"total_threats"`
	MaliciousCount  int         `json:"malicious_count"`
	SuspiciousCount int         `json:"suspicious_count"`
	MarkedSafeCount int         `json:"marked_safe_count"`
	LastCheck       string      `json:"last_check"`
	TotalChecks     int         `json:"total_checks"`
	Quota           QuotaStatus `json:"quota"`
	TopCountries    []Count     `json:"top_countries"`
	TopPorts        []Count     `json:"top_ports"`
}

// ListOptions controls paginated listings.
type ListOptions struct {
	Page              int
	Limit             int
	Search            string
	IncludeMarkedSafe bool
}

// Normalize clamps paging values.
func (o ListOptions) Normalize() ListOptions {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	return o
}

// Offset returns the row offset for the page.
func (o ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// Page is one page of a listing.
type Page[T any] struct {
	Items      []T `json:"items"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// NewPage builds a page with the total page count filled in.
func NewPage[T any](items []T, opts ListOptions, total int) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if opts.Limit > 0 {
		pages = (total + opts.Limit - 1) / opts.Limit
	}
	return Page[T]{
		Items:      items,
		Page:       opts.Page,
		Limit:      opts.Limit,
		Total:      total,
		TotalPages: pages,
	}
}

// ExportOptions defines options for threat export.
type ExportOptions struct {
	Format            string `json:"format"`
	IncludeSuspicious bool   `json:"include_suspicious"`
	IncludeMarkedSafe bool   `json:"include_marked_safe"`
	OutputPath        string `json:"output_path"`
}
