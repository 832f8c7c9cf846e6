package report

import (
	"fmt"
	"strings"

	"github.com/user/abusewatch/internal/model"
)

// LevelPie creates a Mermaid pie chart of threat levels.
func LevelPie(malicious, suspicious int) string {
	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("pie showData\n")
	sb.WriteString("    title Threat levels\n")
	if malicious > 0 {
		fmt.Fprintf(&sb, "    \"Malicious\" : %d\n", malicious)
	}
	if suspicious > 0 {
		fmt.Fprintf(&sb, "    \"Suspicious\" : %d\n", suspicious)
	}
	sb.WriteString("```\n")

	return sb.String()
}

// CountPie creates a Mermaid pie chart from counted keys.
func CountPie(title string, counts []model.Count) string {
	var sb strings.Builder

	sb.WriteString("```mermaid\n")
	sb.WriteString("pie showData\n")
	fmt.Fprintf(&sb, "    title %s\n", escapeLabel(title))
	for _, c := range counts {
		if c.Count <= 0 {
			continue
		}
		fmt.Fprintf(&sb, "    \"%s\" : %d\n", escapeLabel(labelOrUnknown(c.Key)), c.Count)
	}
	sb.WriteString("```\n")

	return sb.String()
}

func labelOrUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

// Mermaid labels cannot contain double quotes.
func escapeLabel(s string) string {
	return strings.ReplaceAll(s, `"`, "'")
}
