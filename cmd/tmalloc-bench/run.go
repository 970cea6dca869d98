package main

import (
	"fmt"
	"io"
	"math/rand"
	"time"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/tinymalloc/tmalloc/heap"
	"golang.org/x/exp/slog"
)

type benchOptions struct {
	Allocations int
	MinSize     int
	MaxSize     int
	Seed        int64
	PrintStats  bool
}

var runOptions benchOptions

func init() {
	rootCmd.Flags().IntVar(&runOptions.Allocations, "allocations", 10000, "Number of buffers to allocate")
	rootCmd.Flags().IntVar(&runOptions.MinSize, "min-size", 128, "Smallest buffer size in bytes")
	rootCmd.Flags().IntVar(&runOptions.MaxSize, "max-size", 4096, "Largest buffer size in bytes")
	rootCmd.Flags().Int64Var(&runOptions.Seed, "seed", 0, "Random seed; 0 picks one from the clock")

	rootCmd.Args = cobra.NoArgs
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		runOptions.PrintStats = jsonOut
		if runOptions.Seed == 0 {
			runOptions.Seed = time.Now().UnixNano()
		}
		return runBench(cmd.OutOrStdout(), newLogger(), runOptions)
	}
}

func (o benchOptions) validate() error {
	if o.Allocations <= 0 {
		return errors.Newf("--allocations must be positive, but was %d", o.Allocations)
	}
	if o.MinSize <= 0 || o.MaxSize < o.MinSize {
		return errors.Newf("sizes must satisfy 0 < --min-size <= --max-size, but were %d and %d", o.MinSize, o.MaxSize)
	}
	return nil
}

func (o benchOptions) sizes(rng *rand.Rand) []int {
	sizes := make([]int, o.Allocations)
	for i := range sizes {
		sizes[i] = o.MinSize + rng.Intn(o.MaxSize-o.MinSize+1)
	}
	return sizes
}

func runBench(out io.Writer, logger *slog.Logger, options benchOptions) error {
	err := options.validate()
	if err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(options.Seed))

	start := time.Now()
	buffers := make([][]byte, options.Allocations)
	for i, size := range options.sizes(rng) {
		buffers[i] = make([]byte, size)
	}
	allocTime := time.Since(start)

	start = time.Now()
	rng.Shuffle(len(buffers), func(i, j int) { buffers[i], buffers[j] = buffers[j], buffers[i] })
	for i := range buffers {
		buffers[i] = nil
	}
	printPhases(out, "Go runtime", allocTime, time.Since(start))

	h, err := heap.New(logger, heap.CreateOptions{})
	if err != nil {
		return err
	}

	start = time.Now()
	ptrs := make([]unsafe.Pointer, options.Allocations)
	for i, size := range options.sizes(rng) {
		ptrs[i], err = h.Allocate(size)
		if err != nil {
			return errors.Wrapf(err, "allocation %d of %d bytes failed", i, size)
		}
	}
	allocTime = time.Since(start)

	var stats string
	if options.PrintStats {
		stats = h.BuildStatsString(true)
	}

	start = time.Now()
	rng.Shuffle(len(ptrs), func(i, j int) { ptrs[i], ptrs[j] = ptrs[j], ptrs[i] })
	for _, ptr := range ptrs {
		err = h.Free(ptr)
		if err != nil {
			return err
		}
	}
	printPhases(out, "tmalloc", allocTime, time.Since(start))

	if options.PrintStats {
		fmt.Fprintln(out, stats)
	}

	err = h.Validate()
	if err != nil {
		return err
	}
	return h.Destroy()
}

func printPhases(out io.Writer, name string, allocTime, freeTime time.Duration) {
	fmt.Fprintf(out, "%s allocation time: %d microseconds\n", name, allocTime.Microseconds())
	fmt.Fprintf(out, "%s deallocation time: %d microseconds\n", name, freeTime.Microseconds())
	fmt.Fprintf(out, "%s time (total): %d microseconds\n", name, (allocTime + freeTime).Microseconds())
}
