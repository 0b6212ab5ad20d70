// Package main is the CLI entry point for winmend.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/eliteGoblin/winmend/internal/daemon"
	"github.com/eliteGoblin/winmend/internal/domain"
	"github.com/eliteGoblin/winmend/internal/infra"
	"github.com/eliteGoblin/winmend/internal/rules"
	"github.com/eliteGoblin/winmend/internal/usecase"
)

var (
	// Version info (set via ldflags)
	Version   = "0.1.0"
	Commit    = "dev"
	BuildTime = "unknown"
)

var (
	configPath  string
	jsonOutput  bool
	watchStatus bool
	matchPrefix string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "winmend",
	Short: "Wine process watcher - fixes missing runtime components",
	Long: `winmend watches running Wine applications, reads their error output
and, when an error matches a known signature, installs the missing
component with winetricks or applies a registry fix with regedit.

Fixes whose confidence is below the configured threshold are only reported.`,
	Version:      Version,
	SilenceUsage: true,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the background service",
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the background service",
	Long:  `Terminates the service recorded in the status file and removes the file.`,
	RunE:  runStop,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the processes currently monitored",
	RunE:  runStatus,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the service in the foreground",
	Long:  `Runs the supervisor loop in this terminal, printing analysis output to stdout.`,
	RunE:  runForeground,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "List Wine processes once",
	RunE:  runScan,
}

var matchCmd = &cobra.Command{
	Use:   "match <log line>",
	Short: "Show the fix a log line would trigger, without applying it",
	Args:  cobra.ExactArgs(1),
	RunE:  runMatch,
}

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage the rule knowledge base",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules in match order",
	RunE:  runRulesList,
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runRulesImport,
}

var rulesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Add the built-in rules to the knowledge base",
	RunE:  runRulesSeed,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run:   runVersion,
}

var daemonCmd = &cobra.Command{
	Use:    "daemon",
	Short:  "Run as daemon (internal use)",
	Hidden: true,
	RunE:   runDaemon,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/winmend/config.yaml)")
	statusCmd.Flags().BoolVarP(&watchStatus, "watch", "w", false, "Follow status changes until interrupted")
	matchCmd.Flags().StringVar(&matchPrefix, "prefix", "", "WINEPREFIX to show in the suggestion")
	versionCmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesSeedCmd)

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(matchCmd)
	rootCmd.AddCommand(rulesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(daemonCmd)
}

func newCLILogger() *zap.Logger {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func runStart(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	pm := newProcessManager(cfg)
	status := infra.NewStatusFileWithPath(cfg.Service.StatusFile)
	pids := infra.NewPIDFile(cfg.Service.PIDFile)

	pid, err := daemon.StartDaemon(pids, status, pm, configPath)
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		fmt.Printf("winmend is already running (PID: %d)\n", pid)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start service: %w", err)
	}

	fmt.Printf("winmend started (PID: %d)\n", pid)
	fmt.Printf("Log file: %s\n", cfg.Service.LogFile)
	return nil
}

func runStop(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	pm := newProcessManager(cfg)
	status := infra.NewStatusFileWithPath(cfg.Service.StatusFile)
	pids := infra.NewPIDFile(cfg.Service.PIDFile)

	pid, err := daemon.StopDaemon(pids, status, pm)
	if errors.Is(err, daemon.ErrNotRunning) {
		fmt.Println("winmend is not running")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Printf("winmend stopped (PID: %d)\n", pid)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	status := infra.NewStatusFileWithPath(cfg.Service.StatusFile)

	if !watchStatus {
		snap, err := status.Read()
		if err != nil {
			logger.Debug("status file unreadable", zap.Error(err))
		}
		printSnapshot(snap)
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return infra.WatchStatus(ctx, status, func(snap *domain.Snapshot) {
		fmt.Println()
		printSnapshot(snap)
	})
}

func printSnapshot(snap *domain.Snapshot) {
	if snap == nil || len(snap.Processes) == 0 {
		fmt.Println("no processes currently monitored")
		return
	}

	fmt.Printf("Monitoring %d process(es) (service PID: %d, updated %s)\n",
		len(snap.Processes), snap.ServicePID, snap.UpdatedAt.Local().Format("15:04:05"))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tCOMMAND")
	for _, p := range snap.Processes {
		fmt.Fprintf(w, "%d\t%s\n", p.PID, p.Cmdline)
	}
	_ = w.Flush()
}

func runForeground(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	sink := func(line string) { fmt.Println(line) }
	err := newService(context.Background(), cfg, sink, logger).run()
	if errors.Is(err, daemon.ErrAlreadyRunning) {
		fmt.Printf("winmend is already running: %v\n", err)
		return nil
	}
	return err
}

func runDaemon(cmd *cobra.Command, args []string) error {
	bootstrap := newCLILogger()
	cfg := loadConfig(bootstrap)
	_ = bootstrap.Sync()

	// Writes to service.log_file, rotated
	logger := createLogger(cfg.Service.LogFile)
	defer func() { _ = logger.Sync() }()

	logger.Info("daemon starting",
		zap.Int("pid", os.Getpid()),
		zap.String("version", Version),
		zap.String("config", configPath))

	// Analysis output goes to the log only
	sink := func(line string) { logger.Info(line) }
	return newService(context.Background(), cfg, sink, logger).run()
}

func runScan(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	records, err := newProcessManager(cfg).Discover(context.Background())
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	if len(records) == 0 {
		fmt.Println("No Wine processes found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tNAME\tWINEPREFIX\tCOMMAND")
	for _, r := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.PID, r.Name, r.WinePrefix, r.CommandLine())
	}
	return w.Flush()
}

func runMatch(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	prefix := matchPrefix
	if prefix == "" {
		prefix = cfg.Discovery.DefaultPrefix
	}

	engine := usecase.NewEngine(loadRuleTable(context.Background(), cfg, logger))
	d := engine.Match(args[0], prefix)
	if d == nil {
		fmt.Println("No matching rule found.")
		return nil
	}

	fmt.Println(d.Description)
	fmt.Printf("  Signature:  %s\n", d.MatchedSignature)
	fmt.Printf("  Tool:       %s\n", d.Kind())
	fmt.Printf("  Confidence: %.0f%%\n", d.Confidence*100)
	fmt.Printf("  Prefix:     %s\n", d.TargetPrefix)
	if d.Confidence >= cfg.Engine.AutoApplyThreshold {
		fmt.Println("  Would be applied automatically.")
	} else {
		fmt.Println("  Below threshold, would be reported only.")
	}
	return nil
}

func runRulesList(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	cfg := loadConfig(logger)
	table := loadRuleTable(context.Background(), cfg, logger)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSIGNATURE\tTOOL\tARGUMENT\tCONFIDENCE")
	for i, r := range table.Rules() {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%.2f\n", i+1, r.Signature, r.Kind, firstLine(r.Argument), r.Confidence)
	}
	return w.Flush()
}

func runRulesImport(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	imported, err := rules.LoadYAML(args[0])
	if err != nil {
		return err
	}

	db, err := openRuleDatabase(loadConfig(logger))
	if err != nil {
		return err
	}
	defer db.Close()

	added, err := db.Import(context.Background(), imported)
	if err != nil {
		return fmt.Errorf("import failed: %w", err)
	}
	fmt.Printf("Imported %d rule(s), %d already present\n", added, len(imported)-added)
	return nil
}

func runRulesSeed(cmd *cobra.Command, args []string) error {
	logger := newCLILogger()
	defer func() { _ = logger.Sync() }()

	db, err := openRuleDatabase(loadConfig(logger))
	if err != nil {
		return err
	}
	defer db.Close()

	added, err := db.Seed(context.Background())
	if err != nil {
		return fmt.Errorf("seed failed: %w", err)
	}
	fmt.Printf("Added %d built-in rule(s) to %s\n", added, db.Path())
	return nil
}

func runVersion(cmd *cobra.Command, args []string) {
	if jsonOutput {
		out, _ := json.Marshal(map[string]string{
			"version":    Version,
			"commit":     Commit,
			"build_time": BuildTime,
		})
		fmt.Println(string(out))
	} else {
		fmt.Printf("winmend %s (commit: %s, built: %s)\n",
			Version, Commit, BuildTime)
	}
}

// firstLine keeps multi-line registry payloads to one table row.
func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' || c == '\r' {
			return s[:i] + " ..."
		}
	}
	return s
}
