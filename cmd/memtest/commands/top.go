package commands

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/jiangwu1911/memtest/internal/container"
	"github.com/jiangwu1911/memtest/internal/logging"
	"github.com/jiangwu1911/memtest/internal/tui"
)

var (
	topInterval time.Duration
	topLoad     bool
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of allocator statistics",
	Long: `Show allocator counters and device memory use, refreshed periodically.

With --load, a background workload keeps creating and freeing buffers of
a few sizes so pooling, deferred release and idle reclamation can be
watched as they happen.`,
	RunE: runTop,
}

func init() {
	topCmd.Flags().DurationVar(&topInterval, "interval", 500*time.Millisecond, "refresh interval")
	topCmd.Flags().BoolVar(&topLoad, "load", false, "run a background workload")
	rootCmd.AddCommand(topCmd)
}

func runTop(cmd *cobra.Command, args []string) error {
	a, closeFn, err := openAllocator(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx, cancel := context.WithCancel(cmd.Context())
	if err := a.Start(ctx); err != nil {
		cancel()
		return err
	}

	var wg sync.WaitGroup
	if topLoad {
		wg.Add(1)
		go func() {
			defer wg.Done()
			churn(ctx, a)
		}()
	}

	_, err = tea.NewProgram(tui.NewStatsModel(a, topInterval), tea.WithAltScreen()).Run()

	cancel()
	wg.Wait()
	return err
}

// churn creates and frees buffers of random sizes until ctx is done
func churn(ctx context.Context, a *container.Allocator) {
	sizes := []int{1 << 10, 1 << 14, 1 << 18, 1 << 20}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := sizes[rand.IntN(len(sizes))]
			if err := transferOnce(a, n, rand.IntN(2) == 0); err != nil {
				if errors.Is(err, container.ErrClosed) {
					return
				}
				logging.Warnf("Workload transfer of %d elements failed: %v", n, err)
			}
		}
	}
}
