// Convmem keeps conversation memory for a tool-driven coding assistant.
//
// It records every tool turn into a per-project session, tiers large
// tool responses into expandable content, and periodically reinforces
// recent state so that long conversations do not lose track of earlier
// decisions. The memory is served over HTTP and can be inspected from
// the command line. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	convmem serve                  Start the API server
//	convmem init [dir]             Write an example config.yaml
//	convmem stats                  Print memory statistics
//	convmem history [flags]        List past sessions
//	convmem snapshot [flags]       Print the current conversation state
//	convmem expand <content-id>    Print stored tool output
//	convmem sweep                  Run the maintenance sweeps once
//	convmem version                Print version and build information
//	convmem -o json <command>      Output as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/nugget/convmem/examples"
	"github.com/nugget/convmem/internal/api"
	"github.com/nugget/convmem/internal/buildinfo"
	"github.com/nugget/convmem/internal/config"
	"github.com/nugget/convmem/internal/events"
	"github.com/nugget/convmem/internal/expandable"
	"github.com/nugget/convmem/internal/memory"
	"github.com/nugget/convmem/internal/metrics"
	"github.com/nugget/convmem/internal/opstate"
	"github.com/nugget/convmem/internal/reinforce"
	"github.com/nugget/convmem/internal/session"
	"github.com/nugget/convmem/internal/tiering"
	"github.com/nugget/convmem/internal/tokens"
	"github.com/nugget/convmem/internal/tools"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main constructs the OS-level environment and delegates to [run], so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every command.
type options struct {
	configPath string
	output     string
}

// run is the real entry point. Structured logs from serve go to stdout;
// the inspection commands write results to stdout and log warnings to
// stderr. Each call parses its own flag sets, so run is safe to call
// concurrently from tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var opts options
	var help bool

	global := pflag.NewFlagSet("convmem", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	global.StringVar(&opts.configPath, "config", "", "path to config file (default: auto-discover)")
	global.StringVarP(&opts.output, "output", "o", "text", "output format: text or json")
	global.BoolVarP(&help, "help", "h", false, "show help")

	if err := global.Parse(args); err != nil {
		return err
	}
	if opts.output != "text" && opts.output != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.output)
	}

	rest := global.Args()
	if help || len(rest) == 0 {
		return printUsage(stdout)
	}
	command, cmdArgs := rest[0], rest[1:]

	switch command {
	case "serve":
		return runServe(ctx, stdout, opts, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "stats":
		return runStats(ctx, stdout, stderr, opts)
	case "history":
		return runHistory(ctx, stdout, stderr, opts, cmdArgs)
	case "snapshot":
		return runSnapshot(ctx, stdout, stderr, opts, cmdArgs)
	case "expand":
		return runExpand(ctx, stdout, stderr, opts, cmdArgs)
	case "sweep":
		return runSweep(ctx, stdout, stderr, opts)
	case "version":
		return runVersion(stdout, opts.output)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "convmem - conversation memory for tool-driven assistants")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: convmem [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve [--workspace dir]   Start the API server")
	fmt.Fprintln(w, "  init [dir]                Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  stats                     Show memory statistics")
	fmt.Fprintln(w, "  history                   List past sessions (--help for filters)")
	fmt.Fprintln(w, "  snapshot                  Show recent conversation state")
	fmt.Fprintln(w, "  expand <content-id>       Show stored tool output")
	fmt.Fprintln(w, "  sweep                     Run archive, retention and content sweeps now")
	fmt.Fprintln(w, "  version                   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  --config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt   Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example config into dir. Existing files are never
// overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing convmem in %s\n", dir)
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, examples.ConfigYAML); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to tune retention, tiering and reinforcement.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, content, 0o644)
}

// runServe starts the memory manager and the HTTP API and blocks until
// ctx is cancelled or a termination signal arrives.
func runServe(ctx context.Context, stdout io.Writer, opts options, args []string) error {
	var workspace string
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stdout)
	fs.StringVar(&workspace, "workspace", "", "directory exposed to the read-only file tools")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting convmem", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the level and format are known.
	{
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"data_dir", cfg.DataDir,
		"token_budget", cfg.Memory.TokenBudget,
	)

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	if err := a.memory.Start(ctx); err != nil {
		return fmt.Errorf("start memory: %w", err)
	}

	reg := tools.NewRegistry(a.memory, logger)
	if workspace != "" {
		reg.SetFileTools(tools.NewFileTools(workspace))
		logger.Info("file tools enabled", "workspace", workspace)
	}
	reg.SetDecisionLog(a.state)

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, a.memory, reg, logger)
	server.SetMetrics(a.metrics)
	server.SetEventBus(a.events)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("convmem stopped")
	return nil
}

func runStats(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	st, err := a.memory.GetStats(ctx)
	if err != nil {
		return err
	}
	last, err := a.memory.LastSweeps(ctx)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, map[string]any{"stats": st, "last_sweeps": last})
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Sessions:\t%d (%d active, %d archived)\n", st.TotalSessions, st.ActiveSessions, st.ArchivedSessions)
	fmt.Fprintf(tw, "Turns:\t%d (%.1f per session)\n", st.TotalTurns, st.AvgTurnsPerSession)
	fmt.Fprintf(tw, "Expandable content:\t%d entries, %d bytes\n", st.TotalExpandableContent, st.ContentBytes)
	fmt.Fprintf(tw, "Storage:\t%d bytes\n", st.StorageBytes)
	names := make([]string, 0, len(last))
	for name := range last {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(tw, "Last %s sweep:\t%s\n", name, last[name].Format(time.RFC3339))
	}
	return tw.Flush()
}

func runHistory(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var q memory.HistoryQuery
	var from, to string
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&q.ProjectPath, "project", "", "only sessions for this project path")
	fs.StringSliceVar(&q.ToolsUsed, "tool", nil, "only sessions that used any of these tools")
	fs.StringVar(&q.Keyword, "keyword", "", "case-insensitive match against turn summaries")
	fs.IntVar(&q.Limit, "limit", 0, "maximum sessions to return")
	fs.StringVar(&from, "from", "", "earliest last-update time (RFC 3339)")
	fs.StringVar(&to, "to", "", "latest last-update time (RFC 3339)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var err error
	if q.From, err = parseTime("from", from); err != nil {
		return err
	}
	if q.To, err = parseTime("to", to); err != nil {
		return err
	}

	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	res, err := a.memory.QueryHistory(ctx, q)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, res)
	}

	if len(res.Sessions) == 0 {
		fmt.Fprintln(stdout, "No matching sessions.")
		return nil
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tPROJECT\tSTATUS\tTURNS\tUPDATED\tTOOLS")
	for _, s := range res.Sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, s.ProjectPath, s.Status, s.TurnCount,
			s.LastUpdatedAt.Format(time.RFC3339), strings.Join(s.ToolsUsed, ","))
	}
	if res.Skipped > 0 {
		fmt.Fprintf(tw, "\n%d unreadable sessions skipped\n", res.Skipped)
	}
	return tw.Flush()
}

func runSnapshot(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var project string
	var turns int
	fs := pflag.NewFlagSet("snapshot", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&project, "project", "", "project path (default: "+memory.DefaultProject+")")
	fs.IntVar(&turns, "turns", 0, "recent turns to include")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if project == "" {
		project = memory.DefaultProject
	}

	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	snap, err := a.memory.GetSnapshot(ctx, project, turns)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, snap)
	}
	_, err = io.WriteString(stdout, snap.Format())
	return err
}

func runExpand(ctx context.Context, stdout, stderr io.Writer, opts options, args []string) error {
	var req memory.ExpandRequest
	fs := pflag.NewFlagSet("expand", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&req.Section, "section", "", "return only the section with this heading")
	fs.BoolVar(&req.IncludeContext, "context", false, "include the turns around the one that produced the content")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: convmem expand [--section name] [--context] <content-id>")
	}
	req.ContentID = fs.Arg(0)

	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	exp, err := a.memory.ExpandMemory(ctx, req)
	if err != nil {
		return err
	}
	if opts.output == "json" {
		return writeJSON(stdout, exp)
	}
	if _, err := io.WriteString(stdout, exp.Payload); err != nil {
		return err
	}
	for _, t := range exp.RelatedTurns {
		fmt.Fprintf(stdout, "\n[turn %d] %s: %s\n", t.TurnID, t.ToolName, t.RequestSummary)
	}
	return nil
}

func runSweep(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.close(ctx)

	counts := a.memory.RunSweeps(ctx, time.Now())
	if opts.output == "json" {
		return writeJSON(stdout, counts)
	}
	for _, name := range []string{memory.SweepArchive, memory.SweepRetention, memory.SweepContent} {
		fmt.Fprintf(stdout, "%-10s %d\n", name+":", counts[name])
	}
	return nil
}

// app holds the opened storage and the memory manager built on it.
type app struct {
	db       *sql.DB
	state    *opstate.Store
	content  *expandable.Store
	sessions *session.Store
	events   *events.Bus
	metrics  *metrics.Metrics
	memory   *memory.Manager
	logger   *slog.Logger
}

// openApp opens <data_dir>/memory.db, the content blobs and the session
// files, and wires them into a memory manager. The manager is not
// started; serve starts it, the inspection commands only read.
func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := filepath.Join(cfg.DataDir, "memory.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	a := &app{db: db, logger: logger, events: events.New(), metrics: metrics.New()}
	fail := func(err error) (*app, error) {
		a.close(ctx)
		return nil, err
	}

	if a.state, err = opstate.NewStore(db); err != nil {
		return fail(fmt.Errorf("open state store: %w", err))
	}
	a.content, err = expandable.NewStore(db, a.state, expandable.Config{
		Dir:    filepath.Join(cfg.DataDir, "content"),
		TTL:    cfg.Memory.ContentTTL(),
		Logger: logger,
	})
	if err != nil {
		return fail(fmt.Errorf("open content store: %w", err))
	}
	if a.sessions, err = session.Open(ctx, filepath.Join(cfg.DataDir, "sessions"), logger); err != nil {
		return fail(fmt.Errorf("open session store: %w", err))
	}

	est, err := tokens.New(cfg.Memory.Tokenizer, cfg.Memory.TiktokenEncoding)
	if err != nil {
		return fail(err)
	}
	policy, err := reinforce.NewPolicy(reinforce.Config{
		Every:         cfg.Memory.ReinforceEveryTurns,
		DecisionTools: cfg.Memory.DecisionTools,
		Logger:        logger,
	})
	if err != nil {
		return fail(fmt.Errorf("reinforcement policy: %w", err))
	}

	a.memory, err = memory.New(memory.Deps{
		Sessions: a.sessions,
		Content:  a.content,
		Tiering:  tiering.New(a.content, est, logger),
		Policy:   policy,
		State:    a.state,
		Events:   a.events,
		Metrics:  a.metrics,
		Logger:   logger,
	}, memory.ConfigFrom(cfg))
	if err != nil {
		return fail(err)
	}

	logger.Debug("memory opened",
		"db", dbPath,
		"sessions", len(a.sessions.List()),
		"quarantined", len(a.sessions.Quarantined()),
	)
	return a, nil
}

// openCLI loads the config and opens the app with a stderr logger at
// warn level, for the one-shot inspection commands.
func openCLI(ctx context.Context, stderr io.Writer, opts options) (*app, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	return openApp(ctx, cfg, config.NewLogger(stderr, slog.LevelWarn, cfg.LogFormat))
}

// close shuts the manager down first so its final flush lands before
// the database closes.
func (a *app) close(ctx context.Context) {
	if a.memory != nil {
		if err := a.memory.Close(ctx); err != nil {
			a.logger.Error("memory close failed", "error", err)
		}
	}
	if a.content != nil {
		if err := a.content.Close(); err != nil {
			a.logger.Warn("content store close failed", "error", err)
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.Warn("database close failed", "error", err)
	}
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

func parseTime(name, s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s must be an RFC 3339 timestamp", name)
	}
	return t, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
