package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/halloc"
	"golang.org/x/exp/slog"
)

// globalOptions holds the persistent flags shared by every subcommand
type globalOptions struct {
	logLevel        string
	jsonOut         bool
	maxMappingBytes int
	externallySync  bool
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "hallocctl",
		Short: "Exercise and inspect a per-type segregated mmap allocator",
		Long: `hallocctl drives a halloc arena: it reports the platform limits the arena
derives from the OS page size, runs randomized allocation workloads against it and
prints the resulting memory maps, and exposes the list engine's ordering helpers.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "Log level: debug, info, warn or error")
	cmd.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "Output in JSON format")
	cmd.PersistentFlags().IntVar(&opts.maxMappingBytes, "max-mapping-bytes", 0, "Largest single mapping in bytes (0 uses the default)")
	cmd.PersistentFlags().BoolVar(&opts.externallySync, "externally-synchronized", false, "Create the arena without its internal mutex")

	cmd.AddCommand(
		newLimitsCmd(opts),
		newStressCmd(opts),
		newDemoCmd(opts),
		newSortCmd(opts),
	)
	return cmd
}

func execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func (o *globalOptions) logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, errors.Wrapf(err, "invalid log level %q", o.logLevel)
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}

// newArena creates an arena over the system mapper from the persistent flags
func (o *globalOptions) newArena(cmd *cobra.Command) (*halloc.Arena, error) {
	logger, err := o.logger(cmd.ErrOrStderr())
	if err != nil {
		return nil, err
	}

	var flags halloc.CreateFlags
	if o.externallySync {
		flags |= halloc.ArenaCreateExternallySynchronized
	}

	return halloc.New(logger, halloc.CreateOptions{
		Flags:           flags,
		MaxMappingBytes: o.maxMappingBytes,
	})
}

// printJSON outputs data as indented JSON
func printJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
