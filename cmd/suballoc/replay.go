package main

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/spf13/cobra"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/devmem/suballoc"
	"github.com/vkngwrapper/devmem/suballoc/simdevice"
	"golang.org/x/exp/slog"
)

var (
	replayDetailed bool
	replayStats    bool
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayStats, "stats", true, "Print the allocator's JSON statistics after the trace")
	cmd.Flags().BoolVar(&replayDetailed, "detailed", false, "Include every block's chunk map in the statistics")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace.json>",
		Short: "Replay an allocation trace against a simulated device",
		Long: `The replay command builds a simulated device from the trace, creates an
allocator on it, and performs each allocation and free in order. Failed
allocations are reported and the replay continues.

Example trace:
  {
    "memoryTypes": [{"flags": ["DeviceLocal"], "heap": 0}],
    "memoryHeaps": [{"size": 536870912, "deviceLocal": true}],
    "ops": [
      {"op": "buffer", "id": "a", "size": 1000},
      {"op": "image", "id": "b", "width": 256, "height": 256, "mipLevels": 9},
      {"op": "memory", "id": "c", "size": 4096, "alignment": 256, "memoryTypeBits": 1},
      {"op": "free", "id": "a"}
    ]
  }`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read trace: %w", err)
			}

			t, err := parseTrace(data)
			if err != nil {
				return err
			}

			return runReplay(cmd.OutOrStdout(), newLogger(), t)
		},
	}
	return cmd
}

// placement is the view of a live allocation that replay reports
type placement interface {
	Memory() core1_0.DeviceMemory
	Offset() int
	Size() int
	End() int
	HeapIndex() int
	MemoryTypeIndex() int
	IsDedicated() bool
}

type liveAllocation struct {
	alloc placement
	free  func() error
}

func runReplay(out io.Writer, logger *slog.Logger, t *trace) error {
	device, err := simdevice.New(t.Device)
	if err != nil {
		return fmt.Errorf("invalid device: %w", err)
	}

	allocator, err := suballoc.New(logger, device, t.Options)
	if err != nil {
		return fmt.Errorf("failed to create allocator: %w", err)
	}

	live := make(map[string]liveAllocation)
	failures := 0

	for _, op := range t.Ops {
		if op.Kind == opFree {
			allocation, ok := live[op.ID]
			if !ok {
				return fmt.Errorf("free of unknown allocation %q", op.ID)
			}

			err = allocation.free()
			if err != nil {
				return fmt.Errorf("failed to free %q: %w", op.ID, err)
			}

			delete(live, op.ID)
			fmt.Fprintf(out, "free   %-8s\n", op.ID)
			continue
		}

		if _, exists := live[op.ID]; exists {
			return fmt.Errorf("allocation %q is already live", op.ID)
		}

		allocation, err := replayAllocation(allocator, op)
		if err != nil {
			failures++
			fmt.Fprintf(out, "%-6s %-8s FAILED: %v\n", op.Kind, op.ID, err)
			continue
		}

		live[op.ID] = allocation
		fmt.Fprintf(out, "%-6s %-8s heap %d type %d memory %d offset %d size %d end %d dedicated %t\n",
			op.Kind, op.ID,
			allocation.alloc.HeapIndex(),
			allocation.alloc.MemoryTypeIndex(),
			allocation.alloc.Memory().(*simdevice.Memory).ID(),
			allocation.alloc.Offset(),
			allocation.alloc.Size(),
			allocation.alloc.End(),
			allocation.alloc.IsDedicated(),
		)
	}

	ids := make([]string, 0, len(live))
	for id := range live {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fmt.Fprintf(out, "\n%d ops, %d failed, %d live %v, %d memory objects\n",
		len(t.Ops), failures, len(live), ids, device.LiveMemoryCount())

	err = allocator.Validate()
	if err != nil {
		return fmt.Errorf("allocator is inconsistent after replay: %w", err)
	}

	if replayStats {
		fmt.Fprintln(out, allocator.BuildStatsString(replayDetailed))
	}

	return nil
}

func replayAllocation(allocator *suballoc.Allocator, op traceOp) (liveAllocation, error) {
	switch op.Kind {
	case opBuffer:
		buffer, err := allocator.AllocateBuffer(core1_0.BufferUsageStorageBuffer, op.Size, op.Alloc)
		if err != nil {
			return liveAllocation{}, err
		}
		return liveAllocation{
			alloc: buffer,
			free:  func() error { return allocator.FreeBuffer(buffer) },
		}, nil
	case opImage:
		image, err := allocator.AllocateImage(core1_0.ImageCreateInfo{
			ImageType: core1_0.ImageType2D,
			Usage:     core1_0.ImageUsageSampled | core1_0.ImageUsageTransferDst,
			Extent: core1_0.Extent3D{
				Width:  op.Width,
				Height: op.Height,
				Depth:  1,
			},
			MipLevels:   op.MipLevels,
			ArrayLayers: op.ArrayLayers,
			SharingMode: core1_0.SharingModeExclusive,
		}, op.Alloc)
		if err != nil {
			return liveAllocation{}, err
		}
		return liveAllocation{
			alloc: image,
			free:  func() error { return allocator.FreeImage(image) },
		}, nil
	default:
		alloc, _, err := allocator.AllocateMemory(suballoc.MemoryRequirements{
			Size:           op.Size,
			Alignment:      op.Alignment,
			MemoryTypeBits: op.MemoryTypeBits,
		}, op.Alloc)
		if err != nil {
			return liveAllocation{}, err
		}
		return liveAllocation{
			alloc: alloc,
			free:  func() error { return allocator.FreeMemory(alloc) },
		}, nil
	}
}
