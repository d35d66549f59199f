package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gookit/color"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"subaru/internal/subaru"
)

var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
)

// cancelBuild is set once a build is running so the signal handler can
// request cooperative cancellation.
var cancelBuild atomic.Value // func()

func usage() {
	fmt.Println(`Usage: subaru <command> [args...]

Commands:
  run [-default] [-name <id>] [<stages.yaml>]   run a build pipeline
  rollback <build-id> <stage> [<stages.yaml>]   run a stage's rollback command
  guidance <build-id> <stage> [<errfile>]       analyze captured error output
  remedy <build-id> <pattern> <ok|fail> <seconds> <command>...
                                                record an attempted fix
  patterns export [<file>]                      dump the pattern catalog as JSON
  patterns import <file>                        load and validate a catalog
  patterns discover <logfile>...                mine recurring errors from logs
  version                                       print version`)
}

// Entry point
func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		for {
			select {
			case sig := <-sigs:
				if fn, ok := cancelBuild.Load().(func()); ok && fn != nil {
					fmt.Printf("\n[INFO] Received %v. Requesting build cancellation; the running stage finishes first.\n", sig)
					fn()
					// A second signal forces immediate exit.
					select {
					case <-sigs:
						fmt.Println("\n[FATAL] Second interrupt received. Forcing immediate exit.")
						os.Exit(130)
					case <-ctx.Done():
						return
					}
				}
				fmt.Printf("\n[INFO] Received %v. Exiting.\n", sig)
				cancel()
				os.Exit(130)
			case <-ctx.Done():
				return
			}
		}
	}()

	if len(os.Args) < 2 {
		usage()
		return
	}

	cfg, err := subaru.LoadConfig(subaru.ConfigFile)
	if err != nil {
		colWarn.Printf("config load: %v\n", err)
	}
	subaru.InitConfig(cfg)

	switch os.Args[1] {
	case "version":
		fmt.Println(subaru.Version())
	case "run":
		if err := cmdRun(ctx, cfg, os.Args[2:]); err != nil {
			colError.Println("Error:", err)
			os.Exit(1)
		}
	case "rollback":
		if err := cmdRollback(ctx, cfg, os.Args[2:]); err != nil {
			colError.Println("Error:", err)
			os.Exit(1)
		}
	case "guidance":
		if err := cmdGuidance(ctx, cfg, os.Args[2:]); err != nil {
			colError.Println("Error:", err)
			os.Exit(1)
		}
	case "remedy":
		if err := cmdRemedy(ctx, cfg, os.Args[2:]); err != nil {
			colError.Println("Error:", err)
			os.Exit(1)
		}
	case "patterns":
		if err := cmdPatterns(os.Args[2:]); err != nil {
			colError.Println("Error:", err)
			os.Exit(1)
		}
	default:
		fmt.Println("Unknown command:", os.Args[1])
		usage()
		os.Exit(1)
	}
}

// openStore picks the persistence backend. A configured SUBARU_DB DSN gets
// PostgreSQL; otherwise history lives in memory for this run only.
func openStore(ctx context.Context, cfg *subaru.Config) (subaru.Store, func(), error) {
	dsn := cfg.Values["SUBARU_DB"]
	if dsn == "" {
		colWarn.Println("SUBARU_DB not configured; build history will not survive this run")
		return subaru.NewMemStore(), func() {}, nil
	}
	store, err := subaru.NewPostgresStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

func cmdRun(ctx context.Context, cfg *subaru.Config, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	useDefault := fs.Bool("default", false, "run the stock bootstrap pipeline")
	buildName := fs.String("name", "", "explicit build identifier")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var defs []subaru.StageDef
	if *useDefault {
		defs = subaru.DefaultStageDefs()
	} else {
		if fs.NArg() < 1 {
			return fmt.Errorf("usage: subaru run [-default] [-name <id>] <stages.yaml>")
		}
		bc, err := subaru.LoadStageFile(fs.Arg(0))
		if err != nil {
			return err
		}
		defs = bc.Stages
		if bc.Name != "" {
			colInfo.Printf("Pipeline: %s %s\n", bc.Name, bc.Version)
		}
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	var archive *subaru.ArchiveClient
	if cfg.Values["ARCHIVE_BUCKET_NAME"] != "" {
		archive, err = subaru.NewArchiveClient(cfg)
		if err != nil {
			colWarn.Printf("log archive disabled: %v\n", err)
			archive = nil
		}
	}

	secret := ""
	if anyElevated(defs) {
		secret, err = readSudoSecret()
		if err != nil {
			colWarn.Printf("no elevation secret: %v; elevated stages run unprivileged\n", err)
			secret = ""
		}
	}

	spinner := progressbar.NewOptions(-1,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetDescription("starting"),
	)

	orch := subaru.NewOrchestrator(subaru.Options{
		Store:         store,
		SudoSecret:    secret,
		Archive:       archive,
		ArchiveFormat: cfg.Values["ARCHIVE_FORMAT"],
		OnProgress: func(stage string, snap subaru.ProgressSnapshot) {
			spinner.Describe(fmt.Sprintf("%s (%d lines)", stage, snap.LineCount))
			spinner.Add(1)
		},
		OnHardError: func(stage string, line string) {
			fmt.Fprintln(os.Stderr)
			colError.Printf("[%s] %s\n", stage, line)
		},
	})

	var failedStage string
	var failedGuidance *subaru.GuidanceResult

	orch.Subscribe(subaru.EventStageStarted, func(ev subaru.Event) {
		fmt.Fprintln(os.Stderr)
		colArrow.Printf("=> %s\n", ev.Stage)
		spinner.Describe(ev.Stage)
	})
	orch.Subscribe(subaru.EventPrivilegeRequired, func(ev subaru.Event) {
		colInfo.Printf("   %s requires elevated privileges\n", ev.Stage)
	})
	orch.Subscribe(subaru.EventStageCompleted, func(ev subaru.Event) {
		fmt.Fprintln(os.Stderr)
		switch ev.StageStatus {
		case subaru.StageSuccess:
			colSuccess.Printf("   %s ok\n", ev.Stage)
		case subaru.StageFailed:
			colError.Printf("   %s failed\n", ev.Stage)
			failedStage = ev.Stage
			failedGuidance = ev.Guidance
			for _, m := range ev.Matches {
				colWarn.Printf("   detected: %s (%s, %d hits)\n", m.PatternName, m.Severity, m.Count)
			}
		}
	})

	id, err := orch.StartBuild(ctx, defs, *buildName)
	if err != nil {
		return err
	}
	colInfo.Printf("Build %s started (%d stages)\n", id, len(defs))

	cancelBuild.Store(func() { _ = orch.CancelBuild(id) })
	defer cancelBuild.Store(func() {})

	orch.Wait()
	spinner.Finish()
	fmt.Fprintln(os.Stderr)

	snap, err := orch.Snapshot(id)
	if err != nil {
		return err
	}

	switch snap.Status {
	case subaru.BuildSuccess:
		colSuccess.Printf("Build %s succeeded: %d/%d stages\n", id, snap.CompletedStages, snap.TotalStages)
		return nil
	case subaru.BuildCancelled:
		colWarn.Printf("Build %s cancelled after %d/%d stages\n", id, snap.CompletedStages, snap.TotalStages)
		return nil
	default:
		colError.Printf("Build %s failed after %d/%d stages\n", id, snap.CompletedStages, snap.TotalStages)
		if failedGuidance != nil {
			printGuidance(failedGuidance)
		}
		if failedStage != "" {
			offerRollback(ctx, orch, id, failedStage, defs)
		}
		return fmt.Errorf("build failed at stage %s", failedStage)
	}
}

func anyElevated(defs []subaru.StageDef) bool {
	for _, d := range defs {
		if d.Elevated {
			return true
		}
	}
	return false
}

// readSudoSecret asks on /dev/tty so it works even when stdin is a pipe.
func readSudoSecret() (string, error) {
	tty, err := os.Open("/dev/tty")
	if err != nil {
		return "", fmt.Errorf("cannot open /dev/tty: %w", err)
	}
	defer tty.Close()

	fmt.Fprint(os.Stderr, "Enter sudo password: ")
	pass, err := term.ReadPassword(int(tty.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading sudo password: %w", err)
	}
	return string(pass), nil
}

func offerRollback(ctx context.Context, orch *subaru.Orchestrator, buildID, stageName string, defs []subaru.StageDef) {
	var rollback string
	for _, d := range defs {
		if d.Name == stageName {
			rollback = d.RollbackCommand
			break
		}
	}
	if rollback == "" {
		return
	}

	if !askForConfirmation(colArrow, "Run rollback for stage '%s'? (%s)", stageName, rollback) {
		return
	}
	if err := orch.RollbackStage(ctx, buildID, stageName); err != nil {
		colError.Printf("rollback failed: %v\n", err)
		return
	}
	colSuccess.Printf("rollback for %s completed\n", stageName)
}

// cmdRollback runs a stage's rollback command outside a live build, for
// cleanup after the fact. The stage comes from the given stage file or the
// stock pipeline.
func cmdRollback(ctx context.Context, cfg *subaru.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: subaru rollback <build-id> <stage> [<stages.yaml>]")
	}
	buildID, stageName := args[0], args[1]

	defs := subaru.DefaultStageDefs()
	if len(args) >= 3 {
		bc, err := subaru.LoadStageFile(args[2])
		if err != nil {
			return err
		}
		defs = bc.Stages
	}

	var rollback string
	found := false
	for _, d := range defs {
		if d.Name == stageName {
			rollback = d.RollbackCommand
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("stage %s not found in pipeline", stageName)
	}
	if rollback == "" {
		return fmt.Errorf("stage %s has no rollback command", stageName)
	}

	if !askForConfirmation(colArrow, "Run rollback for stage '%s'? (%s)", stageName, rollback) {
		return nil
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	runner := &subaru.ProcessRunner{}
	res, err := runner.Run(ctx, rollback, nil)
	if err != nil {
		return err
	}

	doc := subaru.Document{
		BuildID: buildID,
		Type:    "log",
		Title:   "Rollback: " + stageName,
		Content: fmt.Sprintf("Command: %s\n\nOutput:\n%s\nErrors:\n%s", rollback, res.Stdout, res.Stderr),
		Metadata: map[string]string{
			"rollback":  "true",
			"exit_code": fmt.Sprintf("%d", res.ExitCode),
		},
	}
	if res.ExitCode != 0 {
		doc.Type = "error"
		doc.Title = "Rollback Failed: " + stageName
	}
	if err := store.AddDocument(ctx, doc); err != nil {
		colWarn.Printf("failed to record rollback document: %v\n", err)
	}

	if res.ExitCode != 0 {
		return fmt.Errorf("rollback command for %s exited with code %d", stageName, res.ExitCode)
	}
	colSuccess.Printf("rollback for %s completed\n", stageName)
	return nil
}

func printGuidance(g *subaru.GuidanceResult) {
	fmt.Println()
	colInfo.Printf("Recovery guidance for stage %s (confidence %.0f%%)\n", g.Stage, g.ConfidenceScore)
	if g.SimilarFailures > 0 {
		fmt.Printf("  %d similar failures on record, historical success rate %.0f%%\n",
			g.SimilarFailures, g.HistoricalSuccessRate)
	}
	for _, p := range g.DetectedPatterns {
		colWarn.Printf("  [%s] %s: %s\n", p.Severity, p.Name, p.Description)
	}
	for _, r := range g.RiskFactors {
		colWarn.Printf("  risk (%s): %s = %s\n", r.RiskLevel, r.Factor, r.Value)
	}
	if len(g.Recommendations) == 0 {
		fmt.Println("  no recommendations")
		return
	}
	fmt.Println("  Recommendations:")
	for i, rec := range g.Recommendations {
		fmt.Printf("  %2d. [%3d] %s (%.0f%% success)\n", i+1, rec.Priority, rec.Title, rec.SuccessProbability)
		if rec.Description != "" {
			fmt.Printf("      %s\n", rec.Description)
		}
		if rec.Command != "" {
			colArrow.Printf("      $ %s\n", rec.Command)
		}
		for _, c := range rec.Commands {
			colArrow.Printf("      $ %s\n", c)
		}
	}
}

func cmdGuidance(ctx context.Context, cfg *subaru.Config, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: subaru guidance <build-id> <stage> [<errfile>]")
	}
	buildID, stageName := args[0], args[1]

	var errText []byte
	var err error
	if len(args) >= 3 {
		errText, err = os.ReadFile(args[2])
	} else {
		errText, err = io.ReadAll(os.Stdin)
	}
	if err != nil {
		return fmt.Errorf("failed to read error output: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	engine := subaru.NewGuidanceEngine(store, nil)
	g, err := engine.Recommend(ctx, buildID, stageName, string(errText))
	if err != nil {
		return err
	}
	printGuidance(g)
	return nil
}

func cmdRemedy(ctx context.Context, cfg *subaru.Config, args []string) error {
	if len(args) < 5 {
		return fmt.Errorf("usage: subaru remedy <build-id> <pattern> <ok|fail> <seconds> <command>...")
	}
	success := args[2] == "ok"
	if !success && args[2] != "fail" {
		return fmt.Errorf("third argument must be ok or fail, got %q", args[2])
	}
	seconds, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid recovery seconds %q: %w", args[3], err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	outcome := subaru.RemedyOutcome{
		BuildID:      args[0],
		PatternName:  args[1],
		Commands:     args[4:],
		Success:      success,
		RecoveryTime: time.Duration(seconds) * time.Second,
		RecordedAt:   time.Now(),
	}
	if err := store.RecordRemedyOutcome(ctx, outcome); err != nil {
		return err
	}
	colSuccess.Printf("recorded %s outcome for pattern %s\n", args[2], args[1])
	return nil
}

func cmdPatterns(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: subaru patterns <export|import|discover> [args...]")
	}

	switch args[0] {
	case "export":
		lib := subaru.DefaultPatternLibrary()
		out := os.Stdout
		if len(args) >= 2 {
			f, err := os.Create(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			out = f
		}
		return lib.ExportJSON(out)

	case "import":
		if len(args) < 2 {
			return fmt.Errorf("usage: subaru patterns import <file>")
		}
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		lib, err := subaru.ImportPatternLibrary(f)
		if err != nil {
			return err
		}
		colSuccess.Printf("loaded %d patterns from %s\n", len(lib.Patterns()), args[1])
		return nil

	case "discover":
		if len(args) < 2 {
			return fmt.Errorf("usage: subaru patterns discover <logfile>...")
		}
		var texts []string
		for _, path := range args[1:] {
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			texts = append(texts, string(data))
		}
		matcher := subaru.NewPatternMatcher(nil)
		candidates := matcher.DiscoverCandidates(texts)
		if len(candidates) == 0 {
			fmt.Println("no recurring uncatalogued errors found")
			return nil
		}
		for _, c := range candidates {
			colWarn.Printf("%3dx %s\n", c.Count, c.Normalized)
			fmt.Printf("     e.g. %s\n", c.Example)
		}
		return nil

	default:
		return fmt.Errorf("unknown patterns subcommand %q", args[0])
	}
}

// askForConfirmation prompts the user and defaults to 'yes'.
func askForConfirmation(p interface{ Printf(string, ...any) }, format string, a ...any) bool {
	reader := bufio.NewReader(os.Stdin)
	prompt := fmt.Sprintf(format, a...)

	for {
		p.Printf("%s [Y/n]: ", prompt)
		response, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response == "y" || response == "yes" || response == "" {
			return true
		}
		if response == "n" || response == "no" {
			return false
		}
		colWarn.Println("Invalid input.")
	}
}
