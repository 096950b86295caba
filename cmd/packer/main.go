// Command packer drives a conveyor pick-and-place cell through a remote
// simulation server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes.
const (
	exitFailure    = 1
	exitConnection = 2
	exitAborted    = 3
	exitConfig     = 4
)

type exitError struct {
	Code int
	Err  error
}

func (e *exitError) Error() string {
	if e == nil || e.Err == nil {
		return "command failed"
	}
	return e.Err.Error()
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

var (
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
)

func main() {
	ctx, cancel := signalContext()
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(reportError(os.Stderr, err))
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "packer",
		Short:         "Conveyor pick-and-place choreographer",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	root.AddCommand(
		newVersionCmd(),
		newRunCmd(),
		newCheckCmd(),
		newServeCmd(),
		newReplayCmd(),
		newRunsCmd(),
	)
	return root
}

func reportError(w io.Writer, err error) int {
	var coded *exitError
	if errors.As(err, &coded) {
		if coded.Err != nil {
			_, _ = fmt.Fprintln(w, errorStyle.Render(coded.Err.Error()))
		}
		return coded.Code
	}
	_, _ = fmt.Fprintln(w, errorStyle.Render(err.Error()))
	return exitFailure
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print packer version",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "packer %s (%s, %s)\n", version, commit, date)
			return err
		},
	}
}

func newLogger(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags|log.Lmicroseconds)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}
