// Package report exports threat records and summary statistics.
package report

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/user/abusewatch/internal/model"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

// Supported export formats.
const (
	FormatJSON     = "json"
	FormatCSV      = "csv"
	FormatText     = "txt"
	FormatMarkdown = "markdown"
)

// ErrUnsupportedFormat is returned for an unknown export format.
var ErrUnsupportedFormat = errors.New("unsupported export format")

// Generator builds threat exports.
type Generator struct {
	store  *storage.Store
	config *util.Config
	now    func() time.Time
}

// NewGenerator creates a new report generator.
func NewGenerator(store *storage.Store, cfg *util.Config) *Generator {
	return &Generator{
		store:  store,
		config: cfg,
		now:    cfg.Now,
	}
}

// ReportData holds all data for an export.
type ReportData struct {
	GeneratedAt time.Time
	Format      string

	Threats    []model.ThreatRecord
	Malicious  int
	Suspicious int
	MarkedSafe int

	// Only loaded for markdown.
	Summary *model.Summary
}

// NormalizeFormat maps aliases to a supported format name.
func NormalizeFormat(format string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	case FormatText, "text":
		return FormatText, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
}

// Generate collects the threats selected by opts. Malicious records are
// always included; suspicious and marked-safe ones only on request.
func (g *Generator) Generate(opts model.ExportOptions) (*ReportData, error) {
	format, err := NormalizeFormat(opts.Format)
	if err != nil {
		return nil, err
	}

	all, err := g.store.Threats.All(opts.IncludeMarkedSafe)
	if err != nil {
		return nil, fmt.Errorf("failed to load threats: %w", err)
	}

	data := &ReportData{
		GeneratedAt: g.now(),
		Format:      format,
	}
	for _, t := range all {
		if t.ThreatLevel == model.LevelSuspicious && !opts.IncludeSuspicious {
			continue
		}
		switch t.ThreatLevel {
		case model.LevelMalicious:
			data.Malicious++
		case model.LevelSuspicious:
			data.Suspicious++
		}
		if t.MarkedSafe {
			data.MarkedSafe++
		}
		data.Threats = append(data.Threats, t)
	}

	if format == FormatMarkdown {
		summary, err := g.store.Stats.Summary(data.GeneratedAt, g.config.DailyCheckLimit, opts.IncludeSuspicious)
		if err != nil {
			return nil, fmt.Errorf("failed to load statistics: %w", err)
		}
		data.Summary = summary
	}

	return data, nil
}

// Export generates and renders in one step.
func (g *Generator) Export(opts model.ExportOptions) ([]byte, *ReportData, error) {
	data, err := g.Generate(opts)
	if err != nil {
		return nil, nil, err
	}
	out, err := Render(data)
	if err != nil {
		return nil, nil, err
	}
	return out, data, nil
}

// WriteFile exports to opts.OutputPath, or to a timestamped file under the
// data dir when it is empty. It returns the path written.
func (g *Generator) WriteFile(opts model.ExportOptions) (string, *ReportData, error) {
	out, data, err := g.Export(opts)
	if err != nil {
		return "", nil, err
	}

	path := opts.OutputPath
	if path == "" {
		dir := filepath.Join(g.config.DataDir, "exports")
		if err := util.EnsureDir(dir); err != nil {
			return "", nil, fmt.Errorf("failed to create export dir: %w", err)
		}
		path = filepath.Join(dir, Filename(data.Format, data.GeneratedAt))
	}

	if err := os.WriteFile(path, out, 0644); err != nil {
		return "", nil, fmt.Errorf("failed to write export: %w", err)
	}
	return path, data, nil
}

// Filename returns the default export file name.
func Filename(format string, at time.Time) string {
	ext := format
	if format == FormatMarkdown {
		ext = "md"
	}
	return fmt.Sprintf("abusewatch_threats_%s.%s", at.Format("20060102_150405"), ext)
}
