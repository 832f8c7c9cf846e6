package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/abusewatch/internal/admin"
	"github.com/user/abusewatch/internal/storage"
	"github.com/user/abusewatch/internal/util"
)

const version = "1.0.0"

var (
	cfgFile string
	loader  *util.Loader
	cfg     *util.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "abusewatch",
	Short: "Firewall log IP reputation monitor",
	Long: `abusewatch follows a firewall log and checks every external host that
connects in against AbuseIPDB:
- Accepted inbound connections are collected from the filterlog tail
- Hosts are checked in batches within a daily API quota
- Suspicious and malicious hosts are recorded and alerted on
- Flagged hosts are published to a firewall alias

It runs as a background daemon and ships with a web API, a terminal
dashboard and threat exports.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $HOME/.abusewatch/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "",
		"log level (debug, info, warn, error)")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(threatsCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(connectionsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(markSafeCmd)
	rootCmd.AddCommand(unmarkSafeCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(testAPICmd)
	rootCmd.AddCommand(testNtfyCmd)
	rootCmd.AddCommand(aliasCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(webCmd)
	rootCmd.AddCommand(uiCmd)
	rootCmd.AddCommand(versionCmd)

	// Add shell completion
	rootCmd.AddCommand(completionCmd)
}

func initConfig() {
	loader = util.NewLoader(cfgFile)
	if f := rootCmd.PersistentFlags().Lookup("log-level"); f != nil && f.Changed {
		loader.Viper().Set("log_level", f.Value.String())
	}

	var err error
	cfg, err = loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	util.InitLogger(cfg.LogLevel, cfg.LogFile)
}

// openService opens the database and wires the admin service over it.
// The returned func waits for pending notifications and closes the database.
func openService() (*admin.Service, func(), error) {
	db, err := storage.Open(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}
	svc := admin.New(cfg, storage.NewStore(db))
	return svc, func() {
		svc.Wait()
		db.Close()
	}, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("abusewatch version " + version)
	},
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate shell completion script",
	Long: `Generate shell completion script for abusewatch.

To load completions:

Bash:
  $ source <(abusewatch completion bash)

Zsh:
  $ source <(abusewatch completion zsh)

Fish:
  $ abusewatch completion fish | source

PowerShell:
  PS> abusewatch completion powershell | Out-String | Invoke-Expression
`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch args[0] {
		case "bash":
			return cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			return cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			return cmd.Root().GenFishCompletion(os.Stdout, true)
		default:
			return cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
	},
}
