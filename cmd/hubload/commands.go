package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"hubload/internal/analyzer"
	"hubload/internal/config"
	"hubload/internal/control"
	"hubload/internal/core"
	hlerrors "hubload/internal/errors"
	"hubload/internal/session"
	"hubload/internal/store"
)

const progressInterval = 2 * time.Second

// commonFlags are shared by every subcommand that talks to the engine.
type commonFlags struct {
	config string
	token  string
	json   bool
}

func newFlagSet(name string, c *commonFlags, withToken bool) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&c.config, "config", "", "path to config.json (default "+config.DefaultPath()+")")
	fs.BoolVar(&c.json, "json", false, "print machine-readable JSON")
	if withToken {
		fs.StringVar(&c.token, "token", os.Getenv("HUBLOAD_TOKEN"), "bearer token for the remote (default $HUBLOAD_TOKEN)")
	}
	return fs
}

func parse(fs *flag.FlagSet, args []string, want int, names string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() != want {
		return nil, &usageError{msg: fmt.Sprintf("usage: hubload %s [flags] %s", fs.Name(), names)}
	}
	return fs.Args(), nil
}

func runUpload(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("upload", &c, true)
	detach := fs.Bool("detach", false, "return after planning instead of following progress")
	rest, err := parse(fs, args, 2, "<source> <owner/repo>")
	if err != nil {
		return err
	}

	parsed, err := core.ParseSource(rest[0])
	if err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.coord.Create(ctx, parsed.FullPath, rest[1], c.token)
	if id != "" {
		fmt.Fprintf(os.Stderr, "session %s\n", id)
	}
	if err != nil {
		return err
	}
	if *detach {
		return a.shutdown()
	}
	return a.follow(ctx, id, c.json)
}

func runResume(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("resume", &c, true)
	rest, err := parse(fs, args, 1, "<session-id>")
	if err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.coord.Resume(ctx, rest[0], c.token); err != nil {
		return err
	}
	return a.follow(ctx, rest[0], c.json)
}

func runStatus(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("status", &c, false)
	rest, err := parse(fs, args, 1, "<session-id>")
	if err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	snap, err := a.coord.Status(ctx, rest[0])
	if err != nil {
		return err
	}
	if c.json {
		return printJSON(snap)
	}
	printSnapshot(snap)
	return nil
}

func runList(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("list", &c, false)
	if _, err := parse(fs, args, 0, ""); err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	sessions, err := a.coord.List(ctx)
	if err != nil {
		return err
	}
	if c.json {
		return printJSON(sessions)
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATUS\tCHUNKS\tREPO\tSOURCE\tUPDATED")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%s\t%s\t%s\n",
			s.ID, s.Status, s.ChunksDone, s.ChunksTotal, s.TargetRepo, s.SourcePath,
			s.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func runPause(ctx context.Context, args []string) error {
	return runSettle(ctx, "pause", args)
}

func runCancel(ctx context.Context, args []string) error {
	return runSettle(ctx, "cancel", args)
}

func runSettle(ctx context.Context, name string, args []string) error {
	var c commonFlags
	fs := newFlagSet(name, &c, false)
	rest, err := parse(fs, args, 1, "<session-id>")
	if err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	op := a.coord.Pause
	if name == "cancel" {
		op = a.coord.Cancel
	}
	if err := op(ctx, rest[0]); err != nil {
		return err
	}

	snap, err := a.coord.Status(ctx, rest[0])
	if err != nil {
		return err
	}
	fmt.Printf("session %s is %s\n", snap.SessionID, snap.Status)
	return nil
}

func runAnalyze(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("analyze", &c, false)
	rest, err := parse(fs, args, 1, "<source>")
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.config)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	parsed, err := core.ParseSource(rest[0])
	if err != nil {
		return err
	}
	src, err := core.OpenSource(parsed.FullPath)
	if err != nil {
		return err
	}

	report, err := analyzer.New(logger).Analyze(src)
	if err != nil {
		return err
	}
	smart := analyzer.SuggestSmartUpload(report, cfg)

	if c.json {
		return printJSON(struct {
			*analyzer.Report
			SmartUpload bool `json:"smart_upload_recommended"`
		}{report, smart})
	}

	fmt.Printf("Source:        %s\n", report.Source)
	fmt.Printf("Files:         %d (%s)\n", report.TotalFiles, humanBytes(report.TotalSize))
	fmt.Printf("Compressible:  %s\n", humanBytes(report.CompressibleSize))
	fmt.Printf("Binary:        %s\n", humanBytes(report.BinarySize))
	fmt.Printf("Skipped:       %d\n", len(report.SkippedFiles))
	if report.IsGitRepo {
		fmt.Printf("Git:           branch %s, metadata %s\n", report.Branch, humanBytes(report.GitMetadataSize))
	}
	for _, lf := range report.LargeFiles {
		fmt.Printf("Large file:    %s (%s)\n", lf.Path, humanBytes(lf.Size))
	}
	for _, r := range report.Recommendations {
		fmt.Printf("- %s\n", r)
	}
	if smart {
		fmt.Println("Smart upload recommended: use 'hubload upload' for chunked, resumable transfer.")
	}
	return nil
}

func runServe(ctx context.Context, args []string) error {
	var c commonFlags
	fs := newFlagSet("serve", &c, false)
	addr := fs.String("addr", "127.0.0.1:8081", "listen address")
	sweep := fs.Duration("sweep-interval", time.Hour, "how often terminal sessions past retention are deleted (0 disables)")
	if _, err := parse(fs, args, 0, ""); err != nil {
		return err
	}

	a, err := setup(ctx, c.config)
	if err != nil {
		return err
	}
	defer a.close()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	var sweeper *store.Sweeper
	if *sweep > 0 {
		sweeper = store.NewSweeper(a.store, a.cfg.SessionRetention.Std(), *sweep, a.logger)
		sweeper.Start(sweepCtx)
	}

	e := control.SetupRouter(control.NewHandler(a.coord), a.logger)
	errc := make(chan error, 1)
	go func() {
		a.logger.Info("control API listening", "addr", *addr)
		errc <- e.Start(*addr)
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			sweepCancel()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.GracePeriod.Std()+30*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("control API forced to shutdown", "error", err)
	}
	if err := a.coord.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("sessions did not pause in time", "error", err)
	}

	sweepCancel()
	if sweeper != nil {
		sweeper.Wait()
	}
	return nil
}

// follow prints progress until the run of id ends. An interrupt pauses the
// session so it can be resumed later.
func (a *app) follow(ctx context.Context, id string, asJSON bool) error {
	done := make(chan error, 1)
	go func() { done <- a.coord.Wait(context.Background(), id) }()

	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if snap, err := a.coord.Status(ctx, id); err == nil && !asJSON {
				printProgress(snap)
			}
		case <-ctx.Done():
			fmt.Fprintln(os.Stderr, "\ninterrupted, pausing session")
			if err := a.shutdown(); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "resume with: hubload resume %s\n", id)
			return hlerrors.ErrPaused
		case err := <-done:
			return a.report(id, err, asJSON)
		}
	}
}

func (a *app) report(id string, runErr error, asJSON bool) error {
	snap, err := a.coord.Status(context.Background(), id)
	if err != nil {
		return errors.Join(runErr, err)
	}
	if asJSON {
		if err := printJSON(snap); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(os.Stderr)
		printSnapshot(snap)
	}

	switch snap.Status {
	case session.StatusCompleted:
		return nil
	case session.StatusPaused:
		fmt.Fprintf(os.Stderr, "resume with: hubload resume %s\n", id)
		return hlerrors.ErrPaused
	default:
		if runErr != nil {
			return runErr
		}
		return fmt.Errorf("session %s ended %s: %s", id, snap.Status, snap.Error)
	}
}

func (a *app) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.GracePeriod.Std()+30*time.Second)
	defer cancel()
	return a.coord.Shutdown(ctx)
}

func printProgress(s session.Snapshot) {
	eta := "--"
	if s.ETA > 0 {
		eta = s.ETA.Round(time.Second).String()
	}
	fmt.Fprintf(os.Stderr, "\r%5.1f%%  %d/%d chunks  %s/%s  tier %s  eta %s   ",
		s.Percent, s.ChunksDone, s.ChunksTotal,
		humanBytes(s.BytesDone), humanBytes(s.BytesTotal), s.CurrentTier, eta)
}

func printSnapshot(s session.Snapshot) {
	fmt.Printf("Session:   %s\n", s.SessionID)
	fmt.Printf("Status:    %s\n", s.Status)
	fmt.Printf("Progress:  %.1f%% (%d/%d chunks, %s of %s)\n",
		s.Percent, s.ChunksDone, s.ChunksTotal, humanBytes(s.BytesDone), humanBytes(s.BytesTotal))
	if s.ChunksFailed > 0 {
		fmt.Printf("Failed:    %d chunks\n", s.ChunksFailed)
	}
	if s.FilesSkipped > 0 {
		fmt.Printf("Skipped:   %d files\n", s.FilesSkipped)
	}
	fmt.Printf("Tier:      %s\n", s.CurrentTier)
	fmt.Printf("Elapsed:   %s\n", s.Elapsed.Round(time.Second))
	if s.ETA > 0 {
		fmt.Printf("ETA:       %s\n", s.ETA.Round(time.Second))
	}
	if s.Error != "" {
		fmt.Printf("Error:     %s\n", s.Error)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
