package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/model"
)

var (
	exportFormat     string
	exportOutput     string
	exportSuspicious bool
	exportSafe       bool
	exportStdout     bool
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded threats",
	Long: `Export recorded threats as json, csv, txt or markdown.

The txt format is one IP per line, suitable for firewall URL table aliases.
Markdown reports include Mermaid charts.

Examples:
  abusewatch export
  abusewatch export --format csv --include-suspicious
  abusewatch export --format txt --stdout
  abusewatch export --format markdown -o ./threats.md`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "json",
		"Output format (json, csv, txt, markdown)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "",
		"Output file path (default: auto-generated in the data dir)")
	exportCmd.Flags().BoolVar(&exportSuspicious, "include-suspicious", false,
		"Include suspicious hosts")
	exportCmd.Flags().BoolVar(&exportSafe, "include-marked-safe", false,
		"Include hosts marked safe")
	exportCmd.Flags().BoolVar(&exportStdout, "stdout", false,
		"Write to stdout instead of a file")
}

func runExport(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	opts := model.ExportOptions{
		Format:            exportFormat,
		IncludeSuspicious: exportSuspicious,
		IncludeMarkedSafe: exportSafe,
		OutputPath:        exportOutput,
	}

	if exportStdout {
		res := svc.Export(opts)
		if !res.OK() {
			return report(res)
		}
		fmt.Print(res.Data.(admin.ExportView).Content)
		return nil
	}

	return report(svc.ExportToFile(opts))
}
