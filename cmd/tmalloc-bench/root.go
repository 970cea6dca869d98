package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "tmalloc-bench",
	Short: "Time the tmalloc heap against the Go runtime allocator",
	Long: `tmalloc-bench allocates a batch of randomly sized buffers, frees them in
shuffled order and reports how long each phase took, first with the Go runtime
allocator and then with a fresh tmalloc heap.`,
	Version:      "0.1.0",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log heap activity to stderr")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print the heap's detailed statistics as JSON before freeing")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
