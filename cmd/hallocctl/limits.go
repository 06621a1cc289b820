package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/halloc"
)

type limitsReport struct {
	PageSize          int
	MaxPageUnits      int
	MaxAllocationSize int
	HeaderSize        int
	MaxTypeNameLength int
}

func newLimitsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "limits",
		Short: "Show the page size and allocation limits",
		Long: `The limits command creates an arena and prints the limits it derived from the
OS page size and --max-mapping-bytes.

Example:
  hallocctl limits
  hallocctl limits --max-mapping-bytes 1048576 --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLimits(cmd, opts)
		},
	}
}

func runLimits(cmd *cobra.Command, opts *globalOptions) error {
	arena, err := opts.newArena(cmd)
	if err != nil {
		return err
	}
	defer arena.Destroy()

	report := limitsReport{
		PageSize:          arena.PageSize(),
		MaxPageUnits:      arena.MaxPageUnits(),
		MaxAllocationSize: arena.MaxAllocationSize(),
		HeaderSize:        halloc.HeaderSize,
		MaxTypeNameLength: halloc.MaxTypeNameLength - 1,
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return printJSON(out, report)
	}

	fmt.Fprintf(out, "page size:             %d bytes\n", report.PageSize)
	fmt.Fprintf(out, "max pages per mapping: %d\n", report.MaxPageUnits)
	fmt.Fprintf(out, "max allocation size:   %d bytes\n", report.MaxAllocationSize)
	fmt.Fprintf(out, "block header size:     %d bytes\n", report.HeaderSize)
	fmt.Fprintf(out, "max type name length:  %d bytes\n", report.MaxTypeNameLength)
	return nil
}
