// Command tcstat drives the allocator through a configurable
// synthetic workload and prints its accounting, a smoke-test harness
// for the allocator rather than a production tool.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"unsafe"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"heapkit.dev/tcmalloc/sizeclass"
	"heapkit.dev/tcmalloc/tcmalloc"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		iterations int
		liveSet    int
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "tcstat",
		Short: "Drive the allocator with a synthetic workload and print its stats",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := zap.NewNop()
			if verbose {
				l, err := zap.NewDevelopment()
				if err != nil {
					return err
				}
				logger = l
			}
			defer logger.Sync() //nolint:errcheck

			a := tcmalloc.New(tcmalloc.WithLogger(logger))
			runWorkload(a, iterations, liveSet)

			snap := a.Snapshot()
			fmt.Printf("reserved:     %d bytes\n", snap.ReservedBytes)
			fmt.Printf("free:         %d bytes\n", snap.FreeBytes)
			fmt.Printf("thread-cache: %d bytes across %d shards\n", snap.ThreadCacheBytes, snap.ShardCount)
			fmt.Printf("central-cache: %d bytes parked in transfer buffers\n", snap.CentralCacheBytes)
			return nil
		},
	}

	cmd.Flags().IntVar(&iterations, "iterations", 200_000, "number of alloc/free cycles to run")
	cmd.Flags().IntVar(&liveSet, "live-set", 4096, "number of live allocations held at any time")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log allocator lifecycle events")
	return cmd
}

// runWorkload allocates a rotating live set of randomly sized objects,
// exercising both the small-object and large-object paths.
func runWorkload(a *tcmalloc.Allocator, iterations, liveSet int) {
	rng := rand.New(rand.NewSource(1))
	live := make([]unsafe.Pointer, 0, liveSet)

	randSize := func() uintptr {
		if rng.Intn(100) < 2 {
			return uintptr(rng.Intn(4)+1) * sizeclass.MaxSmallSize
		}
		return uintptr(rng.Intn(int(sizeclass.MaxSmallSize)) + 1)
	}

	for i := 0; i < iterations; i++ {
		if len(live) >= liveSet {
			victim := rng.Intn(len(live))
			ptr := live[victim]
			live[victim] = live[len(live)-1]
			live = live[:len(live)-1]
			_ = a.Dealloc(ptr)
			continue
		}
		ptr, err := a.Alloc(randSize(), 8)
		if err != nil {
			continue
		}
		live = append(live, ptr)
	}

	for _, ptr := range live {
		_ = a.Dealloc(ptr)
	}
}
