package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/model"
)

var (
	listPage   int
	listLimit  int
	listSearch string
	listSafe   bool
	connLimit  int
)

var threatsCmd = &cobra.Command{
	Use:   "threats",
	Short: "List recorded threats",
	Long: `List suspicious and malicious hosts, highest score first.

Examples:
  abusewatch threats
  abusewatch threats --search CN --include-marked-safe
  abusewatch threats --page 2 --limit 50`,
	RunE: runThreats,
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "List checked hosts",
	RunE:  runHosts,
}

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "Show recent inbound connections from the firewall log",
	RunE:  runConnections,
}

func init() {
	for _, c := range []*cobra.Command{threatsCmd, hostsCmd} {
		c.Flags().IntVar(&listPage, "page", 1, "Page number")
		c.Flags().IntVar(&listLimit, "limit", 25, "Rows per page")
		c.Flags().StringVarP(&listSearch, "search", "s", "", "Filter by IP or country")
	}
	threatsCmd.Flags().BoolVar(&listSafe, "include-marked-safe", false, "Include hosts marked safe")
	connectionsCmd.Flags().IntVarP(&connLimit, "limit", "n", 50, "Number of connections")
}

func listOptions() model.ListOptions {
	return model.ListOptions{
		Page:              listPage,
		Limit:             listLimit,
		Search:            listSearch,
		IncludeMarkedSafe: listSafe,
	}
}

func runThreats(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	res := svc.Threats(listOptions())
	if !res.OK() {
		return report(res)
	}
	page := res.Data.(model.Page[model.ThreatRecord])
	if len(page.Items) == 0 {
		fmt.Println("No threats recorded")
		return nil
	}
	printThreats(page.Items)
	pageFooter(page.Page, page.TotalPages, page.Total)
	return nil
}

func runHosts(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	res := svc.Hosts(listOptions())
	if !res.OK() {
		return report(res)
	}
	page := res.Data.(model.Page[model.CheckedHost])
	if len(page.Items) == 0 {
		fmt.Println("No hosts checked yet")
		return nil
	}
	printHosts(page.Items)
	pageFooter(page.Page, page.TotalPages, page.Total)
	return nil
}

func runConnections(cmd *cobra.Command, args []string) error {
	svc, done, err := openService()
	if err != nil {
		return err
	}
	defer done()

	res := svc.RecentConnections(context.Background(), connLimit)
	if !res.OK() {
		return report(res)
	}
	events := res.Data.([]model.ConnectionEvent)
	if len(events) == 0 {
		fmt.Println("No external connections in the log tail")
		return nil
	}
	printConnections(events)
	return nil
}
