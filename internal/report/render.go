package report

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/user/abusewatch/internal/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type threatView struct {
	IP          string     `json:"ip"`
	AbuseScore  int        `json:"abuse_score"`
	Reports     int        `json:"reports"`
	ThreatLevel string     `json:"threat_level"`
	Country     string     `json:"country"`
	Categories  string     `json:"categories,omitempty"`
	Ports       string     `json:"destination_ports,omitempty"`
	LastSeen    time.Time  `json:"last_seen"`
	MarkedSafe  bool       `json:"marked_safe"`
	SafeBy      string     `json:"marked_safe_by,omitempty"`
	SafeDate    *time.Time `json:"marked_safe_date,omitempty"`
}

type jsonExport struct {
	ExportedAt   time.Time    `json:"export_timestamp"`
	TotalThreats int          `json:"total_threats"`
	Malicious    int          `json:"malicious"`
	Suspicious   int          `json:"suspicious"`
	Threats      []threatView `json:"threats"`
}

// Render formats data in data.Format.
func Render(data *ReportData) ([]byte, error) {
	switch data.Format {
	case FormatJSON:
		return renderJSON(data)
	case FormatCSV:
		return renderCSV(data)
	case FormatText:
		return []byte(renderText(data)), nil
	case FormatMarkdown:
		return []byte(FormatMarkdownReport(data)), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, data.Format)
}

func view(t model.ThreatRecord) threatView {
	return threatView{
		IP:          t.IP,
		AbuseScore:  t.AbuseScore,
		Reports:     t.Reports,
		ThreatLevel: t.ThreatLevel.String(),
		Country:     t.Country,
		Categories:  t.Categories,
		Ports:       t.DestinationPort,
		LastSeen:    t.LastSeen,
		MarkedSafe:  t.MarkedSafe,
		SafeBy:      t.MarkedSafeBy,
		SafeDate:    t.MarkedSafeDate,
	}
}

func renderJSON(data *ReportData) ([]byte, error) {
	out := jsonExport{
		ExportedAt:   data.GeneratedAt,
		TotalThreats: len(data.Threats),
		Malicious:    data.Malicious,
		Suspicious:   data.Suspicious,
		Threats:      make([]threatView, 0, len(data.Threats)),
	}
	for _, t := range data.Threats {
		out.Threats = append(out.Threats, view(t))
	}
	return json.MarshalIndent(out, "", "  ")
}

func renderCSV(data *ReportData) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Write([]string{"ip", "abuse_score", "threat_level", "reports", "country", "destination_ports", "last_seen", "marked_safe"})
	for _, t := range data.Threats {
		w.Write([]string{
			t.IP,
			strconv.Itoa(t.AbuseScore),
			t.ThreatLevel.String(),
			strconv.Itoa(t.Reports),
			t.Country,
			t.DestinationPort,
			t.LastSeen.UTC().Format(time.RFC3339),
			strconv.FormatBool(t.MarkedSafe),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

// renderText is one IP per line, ready for a firewall alias import.
func renderText(data *ReportData) string {
	var sb strings.Builder
	sb.WriteString("# abusewatch threats export\n")
	fmt.Fprintf(&sb, "# Generated: %s\n", data.GeneratedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&sb, "# Total threats: %d\n", len(data.Threats))
	sb.WriteString("# Format: IP addresses (one per line)\n\n")
	for _, t := range data.Threats {
		sb.WriteString(t.IP)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// FormatMarkdownReport renders a human-readable report with charts.
func FormatMarkdownReport(data *ReportData) string {
	var sb strings.Builder

	sb.WriteString("# abusewatch Threat Report\n\n")
	fmt.Fprintf(&sb, "**Generated:** %s\n\n", data.GeneratedAt.Format("2006-01-02 15:04:05 MST"))

	sb.WriteString("## Summary\n\n")
	sb.WriteString("| Metric | Value |\n")
	sb.WriteString("|--------|-------|\n")
	fmt.Fprintf(&sb, "| Threats exported | %d |\n", len(data.Threats))
	fmt.Fprintf(&sb, "| Malicious | %d |\n", data.Malicious)
	fmt.Fprintf(&sb, "| Suspicious | %d |\n", data.Suspicious)
	fmt.Fprintf(&sb, "| Marked safe | %d |\n", data.MarkedSafe)
	if s := data.Summary; s != nil {
		fmt.Fprintf(&sb, "| Hosts checked | %d |\n", s.TotalIPs)
		fmt.Fprintf(&sb, "| Total API checks | %d |\n", s.TotalChecks)
		fmt.Fprintf(&sb, "| Checks today | %d / %d |\n", s.Quota.Used, s.Quota.Limit)
		if s.LastCheck != "" {
			fmt.Fprintf(&sb, "| Last check | %s |\n", s.LastCheck)
		}
	}
	sb.WriteString("\n")

	if len(data.Threats) > 0 {
		sb.WriteString("## Threat Levels\n\n")
		sb.WriteString(LevelPie(data.Malicious, data.Suspicious))
		sb.WriteString("\n")
	}

	if s := data.Summary; s != nil {
		if len(s.TopCountries) > 0 {
			sb.WriteString("## Top Countries\n\n")
			sb.WriteString(CountPie("Threats by country", s.TopCountries))
			sb.WriteString("\n")
		}
		if len(s.TopPorts) > 0 {
			sb.WriteString("## Most Targeted Ports\n\n")
			sb.WriteString("| Port | Threats |\n")
			sb.WriteString("|------|---------|\n")
			for _, p := range s.TopPorts {
				fmt.Fprintf(&sb, "| %s | %d |\n", p.Key, p.Count)
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## Threats\n\n")
	if len(data.Threats) == 0 {
		sb.WriteString("No threats recorded.\n")
		return sb.String()
	}
	sb.WriteString("| IP | Score | Level | Country | Ports | Last Seen | Safe |\n")
	sb.WriteString("|----|-------|-------|---------|-------|-----------|------|\n")
	for _, t := range data.Threats {
		safe := ""
		if t.MarkedSafe {
			safe = "yes"
		}
		fmt.Fprintf(&sb, "| %s | %d%% | %s | %s | %s | %s | %s |\n",
			t.IP, t.AbuseScore, t.ThreatLevel, t.Country, t.DestinationPort,
			t.LastSeen.Format("2006-01-02 15:04"), safe)
	}

	return sb.String()
}
