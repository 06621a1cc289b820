package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/hostmem/memutils/dll"
)

func newSortCmd(opts *globalOptions) *cobra.Command {
	var queue bool

	cmd := &cobra.Command{
		Use:   "sort <int>...",
		Short: "Order integers with the list engine",
		Long: `The sort command links its arguments into a list and merge sorts it into
ascending order. With --queue, every value is instead inserted into a priority queue
behind a sentinel, which keeps the largest value first.

Example:
  hallocctl sort 17 11 2 3 7 23 2
  hallocctl sort --queue 2 11 5 1`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSort(cmd, opts, args, queue)
		},
	}

	cmd.Flags().BoolVar(&queue, "queue", false, "Order the values largest first through a priority queue")
	return cmd
}

func compareInts(left, right *int) int {
	switch {
	case *left < *right:
		return -1
	case *left > *right:
		return 1
	}
	return 0
}

func runSort(cmd *cobra.Command, opts *globalOptions, args []string, queue bool) error {
	store := dll.NewStore[int](len(args) + 1)

	handles := make([]dll.Handle, 0, len(args))
	for _, arg := range args {
		value, err := strconv.Atoi(arg)
		if err != nil {
			return errors.Wrapf(err, "invalid integer %q", arg)
		}
		handles = append(handles, store.Alloc(value))
	}

	var sorted []int
	if queue {
		sentinel := store.Alloc(0)
		for _, h := range handles {
			store.InsertOrdered(sentinel, h, func(left, right *int) int {
				return compareInts(right, left)
			})
		}
		for h := store.Next(sentinel); h != dll.Nil; h = store.Next(h) {
			sorted = append(sorted, *store.Value(h))
		}
	} else {
		list := store.List(dll.Nil)
		for _, h := range handles {
			list.Append(h)
		}
		list.Sort(compareInts)
		list.Each(func(h dll.Handle, value *int) bool {
			sorted = append(sorted, *value)
			return true
		})
	}

	out := cmd.OutOrStdout()
	if opts.jsonOut {
		return printJSON(out, sorted)
	}

	text := make([]string, len(sorted))
	for i, value := range sorted {
		text[i] = strconv.Itoa(value)
	}
	_, err := fmt.Fprintln(out, strings.Join(text, " "))
	return err
}
