package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jiangwu1911/memtest/internal/container"
	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/logging"
	"github.com/jiangwu1911/memtest/internal/system"
)

var (
	benchIterations int
	benchElements   int
	benchNoWait     bool
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Time repeated host to device transfers",
	Long: `Repeatedly create a host buffer of int16 elements, copy it to a new
device buffer and free both, timing every iteration.

The first iteration allocates from the device; later iterations should be
served from the pool.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().IntVarP(&benchIterations, "iterations", "n", 10, "number of iterations")
	benchCmd.Flags().IntVarP(&benchElements, "elements", "e", 102400000, "elements per buffer")
	benchCmd.Flags().BoolVar(&benchNoWait, "no-wait", false, "issue transfers without waiting and free while in flight")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchIterations < 1 || benchElements < 1 {
		return fmt.Errorf("iterations and elements must be positive")
	}

	a, closeFn, err := openAllocator(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("memtest bench"))
	fmt.Fprint(out, field("Device", deviceLabel(a.Device())))
	fmt.Fprint(out, field("Buffer", fmt.Sprintf("%d x int16 (%s)", benchElements, system.FormatBytes(int64(benchElements)*2))))
	fmt.Fprintln(out)

	var total time.Duration
	for i := 0; i < benchIterations; i++ {
		start := time.Now()
		if err := transferOnce(a, benchElements, !benchNoWait); err != nil {
			return fmt.Errorf("iteration %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		total += elapsed

		logging.Debugf("transfer used %v", elapsed)
		fmt.Fprint(out, field(fmt.Sprintf("iteration %d", i+1), elapsed.Round(time.Microsecond)))
	}

	st := a.Stats().Total()
	fmt.Fprintln(out)
	fmt.Fprint(out, field("Average", (total / time.Duration(benchIterations)).Round(time.Microsecond)))
	fmt.Fprint(out, field("Allocations", st.Allocations))
	fmt.Fprint(out, field("Pool hits", st.PoolHits))
	fmt.Fprint(out, field("Pool misses", st.PoolMisses))
	fmt.Fprint(out, field("Pooled", system.FormatBytes(st.PooledBytes)))
	return nil
}

// transferOnce creates a host buffer, copies it to the device and frees both
func transferOnce(a *container.Allocator, n int, wait bool) error {
	src, err := container.New[int16](a, gpu.LocationHost, a.NextStream(), n, container.WithName("bench-src"))
	if err != nil {
		return err
	}
	defer src.Free()

	opts := []container.Option{container.WithName("bench-dst")}
	if !wait {
		opts = append(opts, container.WithoutWait())
	}
	dst, err := container.FromContainer(gpu.LocationDevice, src, opts...)
	if err != nil {
		return err
	}
	dst.Free()
	return dst.Err()
}
