package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"packline.ai/internal/config"
	"packline.ai/internal/pack"
	"packline.ai/internal/persistence/indexdb"
	"packline.ai/internal/persistence/journal"
	"packline.ai/internal/sim"
	"packline.ai/internal/transport/observer"
	"packline.ai/internal/tui"
)

type runOptions struct {
	Config      string
	Address     string
	Port        int
	JournalDir  string
	IndexPath   string
	IngestURL   string
	IngestToken string
	Line        string
	LogFile     string
	Observe     string
	TUI         bool
	Clear       bool
}

func newRunCmd() *cobra.Command {
	opts := runOptions{
		Config:    "configs/packer.yaml",
		IndexPath: indexdb.MemoryPath,
		Line:      "default",
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Spawn every configured box and pack it into its slot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPack(cmd.Context(), cmd, opts)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.Config, "config", "c", opts.Config, "path to the packer config")
	f.StringVar(&opts.Address, "address", "", "simulation server address (overrides config)")
	f.IntVar(&opts.Port, "port", 0, "simulation server port (overrides config)")
	f.StringVar(&opts.JournalDir, "journal", "", "directory for the zstd event journal (empty to disable)")
	f.StringVar(&opts.IndexPath, "index", opts.IndexPath, "sqlite placement index path")
	f.StringVar(&opts.IngestURL, "ingest", "", "HTTP endpoint receiving batched run events (optional)")
	f.StringVar(&opts.IngestToken, "ingest-token", os.Getenv("PACKER_INGEST_TOKEN"), "token for the ingest endpoint")
	f.StringVar(&opts.Line, "line", opts.Line, "line name reported to the ingest endpoint")
	f.StringVar(&opts.LogFile, "log-file", "", "write logs here instead of stdout")
	f.StringVar(&opts.Observe, "observe", "", "serve the observer feed on this address (e.g. 127.0.0.1:8091)")
	f.BoolVar(&opts.TUI, "tui", false, "show a live progress view")
	f.BoolVar(&opts.Clear, "clear", false, "remove spawned boxes when the run ends")
	return cmd
}

func loadRunConfig(opts runOptions) (config.Config, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return config.Config{}, err
	}
	if a := strings.TrimSpace(opts.Address); a != "" {
		cfg.Connection.Address = a
	}
	if opts.Port != 0 {
		cfg.Connection.Port = opts.Port
	}
	if opts.Clear {
		cfg.ClearOnFinish = true
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runPack(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	cfg, err := loadRunConfig(opts)
	if err != nil {
		return &exitError{Code: exitConfig, Err: err}
	}

	logOut := io.Writer(cmd.OutOrStdout())
	if opts.TUI {
		logOut = io.Discard
	}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		logOut = f
	}
	logger := newLogger(logOut, "packer")

	client, err := sim.Dial(ctx, sim.DialConfig{
		Addr:       cfg.Addr(),
		Path:       cfg.Connection.Path,
		ClientName: "packer/" + version,
		Timeout:    cfg.Timeout(),
		Script:     cfg.Objects.Script,
	})
	if err != nil {
		return &exitError{Code: exitConnection, Err: err}
	}
	defer client.Close()
	logger.Printf("connected to %s scene=%q session=%s", cfg.Addr(), client.SceneName(), client.SessionID())

	p := pack.New(client, pack.OptionsFromConfig(cfg), logger)

	closers, idx, err := attachSinks(p, opts, logger)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Printf("close: %v", err)
			}
		}
	}()
	if err != nil {
		return err
	}

	specs := pack.SpecsFromConfig(cfg)
	var rep pack.Report
	if opts.TUI {
		rep, err = runWithTUI(ctx, cmd, p, specs)
	} else {
		rep, err = p.Run(ctx, specs)
	}

	printReport(cmd.OutOrStdout(), rep)
	if idx != nil {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if serr := idx.Sync(syncCtx); serr == nil {
			if sum, qerr := idx.Summary(syncCtx, p.RunID()); qerr == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d events indexed\n", labelStyle.Render("index   "), sum.Events)
			}
		}
		cancel()
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, pack.ErrAborted):
		return &exitError{Code: exitAborted, Err: err}
	case sim.IsConnectionError(err):
		return &exitError{Code: exitConnection, Err: err}
	default:
		return err
	}
}

// attachSinks wires the journal and indexes to p. The returned closers run
// in reverse order; they are valid even when err is set.
func attachSinks(p *pack.Packer, opts runOptions, logger *log.Logger) ([]func() error, *indexdb.SQLiteIndex, error) {
	var closers []func() error

	if dir := strings.TrimSpace(opts.JournalDir); dir != "" {
		j := journal.New(dir)
		p.AddSink(j)
		closers = append(closers, j.Close)
		logger.Printf("journal: %s", dir)
	}

	var idx *indexdb.SQLiteIndex
	if path := strings.TrimSpace(opts.IndexPath); path != "" {
		var err error
		idx, err = indexdb.OpenSQLite(path)
		if err != nil {
			return closers, nil, fmt.Errorf("open index: %w", err)
		}
		p.AddSink(idx)
		closers = append(closers, idx.Close)
	}

	if url := strings.TrimSpace(opts.IngestURL); url != "" {
		ing, err := indexdb.OpenIngest(indexdb.IngestConfig{
			Endpoint: url,
			Token:    opts.IngestToken,
			Line:     opts.Line,
			Logger:   logger,
		})
		if err != nil {
			return closers, idx, err
		}
		p.AddSink(ing)
		closers = append(closers, ing.Close)
	}

	if addr := strings.TrimSpace(opts.Observe); addr != "" {
		obs := observer.NewServer(logger)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return closers, idx, fmt.Errorf("observer: %w", err)
		}
		srv := &http.Server{Handler: obs.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Printf("observer: %v", err)
			}
		}()
		p.AddSink(obs)
		closers = append(closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(ctx)
		})
		logger.Printf("observer feed on http://%s/observer/v1/", ln.Addr())
	}
	return closers, idx, nil
}

func runWithTUI(ctx context.Context, cmd *cobra.Command, p *pack.Packer, specs []pack.BoxSpec) (pack.Report, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	prog := tea.NewProgram(tui.New(cancel), tea.WithContext(ctx), tea.WithOutput(cmd.OutOrStdout()))
	p.AddSink(tui.Sink{P: prog})

	type result struct {
		rep pack.Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := p.Run(runCtx, specs)
		prog.Send(tui.DoneMsg{Report: rep, Err: err})
		done <- result{rep, err}
	}()

	if _, err := prog.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		cancel()
		res := <-done
		return res.rep, errors.Join(res.err, err)
	}
	cancel()
	res := <-done
	return res.rep, res.err
}

func printReport(w io.Writer, rep pack.Report) {
	status := okStyle.Render("done")
	if rep.Failed > 0 {
		status = warnStyle.Render("done with failures")
	}
	fmt.Fprintf(w, "%s run %s\n", status, rep.RunID)
	fmt.Fprintf(w, "%s %d/%d placed, %d failed, %d degraded\n",
		labelStyle.Render("boxes   "), rep.Placed, rep.Total, rep.Failed, rep.Degraded)
	fmt.Fprintf(w, "%s %.3f\n", labelStyle.Render("max h   "), rep.MaxHeight)
	if !rep.Finished.IsZero() && !rep.Started.IsZero() {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render("elapsed "), rep.Finished.Sub(rep.Started).Round(time.Millisecond))
	}
	for _, b := range rep.Boxes {
		if !b.Placed {
			fmt.Fprintln(w, errorStyle.Render(fmt.Sprintf("  box %d failed in %s: %s", b.Index, b.Phase, b.Err)))
		}
	}
}
