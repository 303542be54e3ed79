package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/devmem/suballoc"
)

var (
	sizingLimit     int
	sizingForbid    bool
	sizingBlockSize int
)

func init() {
	cmd := newSizingCmd()
	cmd.Flags().IntVar(&sizingLimit, "limit", -1, "Maximum number of bytes the allocator may use from the heap")
	cmd.Flags().BoolVar(&sizingForbid, "forbid", false, "Forbid the allocator from using the heap")
	cmd.Flags().IntVar(&sizingBlockSize, "block-size", 0, "Requested pooled block size")
	rootCmd.AddCommand(cmd)
}

func newSizingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sizing <heap-size>",
		Short: "Show the budget and block size chosen for a heap",
		Long: `The sizing command prints the byte budget and pooled block size the
allocator would use for a heap of the given size.

Example:
  suballoc sizing 536870912
  suballoc sizing 536870912 --limit 104857600
  suballoc sizing 536870912 --block-size 16777216`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			heapSize, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid heap size %q: %w", args[0], err)
			}

			options := suballoc.HeapOptions{BlockSize: sizingBlockSize}
			if sizingForbid {
				options.Usage = suballoc.HeapUsageForbid
			} else if sizingLimit >= 0 {
				options.Usage = suballoc.HeapUsageUpTo(sizingLimit)
			}

			return runSizing(cmd.OutOrStdout(), heapSize, options)
		},
	}
	return cmd
}

func runSizing(out io.Writer, heapSize int, options suballoc.HeapOptions) error {
	maxBytes, blockSize, err := suballoc.HeapSizing(heapSize, options)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "heap size:  %d\n", heapSize)
	fmt.Fprintf(out, "usage:      %s\n", options.Usage)
	fmt.Fprintf(out, "max bytes:  %d\n", maxBytes)
	fmt.Fprintf(out, "block size: %d\n", blockSize)
	return nil
}
