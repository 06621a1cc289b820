package main

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/halloc"
)

// product is the record the demo stores in mapped memory
type product struct {
	Name   [256]byte
	Year   int32
	Weight float64
	Volume float64
}

func newDemoCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Allocate small, medium and large product arrays and walk the arena",
		Long: `The demo command allocates arrays of 1, 1000 and 250000 product records, plus a
few consecutive small arrays, and prints the registry, the memory usage and the pages
of the product type before and after everything is released.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd, opts)
		},
	}
}

func runDemo(cmd *cobra.Command, opts *globalOptions) error {
	arena, err := opts.newArena(cmd)
	if err != nil {
		return err
	}
	defer arena.Destroy()

	var batches [][]product
	for _, units := range []int{1, 1000, 250000, 1, 2, 100} {
		products, _, err := halloc.Make[product](arena, units)
		if err != nil {
			return errors.Wrapf(err, "failed to allocate %d products", units)
		}

		for i := range products {
			copy(products[i].Name[:], "product")
			products[i].Year = int32(1990 + i%30)
			products[i].Weight = float64(i) * 0.5
			products[i].Volume = float64(i) * 2
		}
		batches = append(batches, products)
	}

	out := cmd.OutOrStdout()
	name := fmt.Sprintf("%T", product{})
	if err := printArena(cmd, arena, name); err != nil {
		return err
	}

	for _, products := range batches {
		if err := halloc.Release(arena, products); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "released every product")
	return printArena(cmd, arena, name)
}

func printArena(cmd *cobra.Command, arena *halloc.Arena, name string) error {
	out := cmd.OutOrStdout()
	if err := arena.WalkTypes(out); err != nil {
		return err
	}
	if err := arena.PrintMemoryUsage(out); err != nil {
		return err
	}
	return arena.WalkPages(out, name)
}
