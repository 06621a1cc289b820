package main

import (
	"fmt"
	"math/rand"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/halloc"
)

var stressElementSizes = []int{8, 24, 64, 280, 1000}

type stressOptions struct {
	seed     int64
	ops      int
	types    int
	maxUnits int
	freeAll  bool
}

type stressSummary struct {
	Allocations int
	Frees       int
	Live        int
}

func newStressCmd(opts *globalOptions) *cobra.Command {
	stress := &stressOptions{}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a random allocation workload and report memory usage",
		Long: `The stress command registers a handful of types and performs a random mix of
allocations and frees against them. The arena is validated afterward, and its memory
usage is printed, or its full block map with --json.

Example:
  hallocctl stress --ops 10000 --types 4
  hallocctl stress --seed 7 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStress(cmd, opts, stress)
		},
	}

	cmd.Flags().Int64Var(&stress.seed, "seed", 1, "Seed of the random workload")
	cmd.Flags().IntVar(&stress.ops, "ops", 1000, "Number of allocations and frees to perform")
	cmd.Flags().IntVar(&stress.types, "types", 3, "Number of distinct types to allocate")
	cmd.Flags().IntVar(&stress.maxUnits, "max-units", 64, "Largest number of units in one allocation")
	cmd.Flags().BoolVar(&stress.freeAll, "free-all", false, "Free every live block before reporting")
	return cmd
}

func runStress(cmd *cobra.Command, opts *globalOptions, stress *stressOptions) error {
	if stress.types < 1 || stress.maxUnits < 1 || stress.ops < 0 {
		return errors.Newf("--types and --max-units must be positive and --ops must not be negative")
	}

	arena, err := opts.newArena(cmd)
	if err != nil {
		return err
	}
	defer arena.Destroy()

	summary, err := stressWorkload(arena, stress)
	if err != nil {
		return err
	}

	err = arena.Validate()
	if err != nil {
		return errors.Wrap(err, "arena failed validation after the workload")
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		writer := jwriter.NewWriter()
		arena.PrintDetailedMap(&writer)
		if err := writer.Error(); err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(writer.Bytes()))
		return err
	}

	fmt.Fprintf(out, "performed %d allocations and %d frees, %d blocks live\n", summary.Allocations, summary.Frees, summary.Live)
	return arena.PrintMemoryUsage(out)
}

func stressWorkload(arena *halloc.Arena, stress *stressOptions) (stressSummary, error) {
	rng := rand.New(rand.NewSource(stress.seed))

	var summary stressSummary
	var live []halloc.Block
	for i := 0; i < stress.ops; i++ {
		if len(live) > 0 && rng.Intn(5) < 2 {
			idx := rng.Intn(len(live))
			if err := arena.Free(live[idx]); err != nil {
				return summary, err
			}
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
			summary.Frees++
			continue
		}

		t := rng.Intn(stress.types)
		name := fmt.Sprintf("stress.type%d", t)
		elementSize := stressElementSizes[t%len(stressElementSizes)]

		block, err := arena.Alloc(name, elementSize, rng.Intn(stress.maxUnits)+1)
		if err != nil {
			return summary, err
		}
		live = append(live, block)
		summary.Allocations++
	}

	if stress.freeAll {
		for _, block := range live {
			if err := arena.Free(block); err != nil {
				return summary, err
			}
			summary.Frees++
		}
		live = nil
	}

	summary.Live = len(live)
	return summary, nil
}
