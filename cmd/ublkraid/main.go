// Command ublkraid assembles a RAID-0 or RAID-1 personality over memory or
// file backends and serves it as a ublk block device, following
// cmd/ublk-mem's size-parsing/signal-handling shape but restructured into
// cobra subcommands, one per personality.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ublkraid/ublkraid"
	"github.com/ublkraid/ublkraid/disk"
	"github.com/ublkraid/ublkraid/disk/filedisk"
	"github.com/ublkraid/ublkraid/disk/memdisk"
	"github.com/ublkraid/ublkraid/diskbackend"
	"github.com/ublkraid/ublkraid/internal/logging"
	"github.com/ublkraid/ublkraid/raid0"
	"github.com/ublkraid/ublkraid/raid1"
)

func main() {
	root := &cobra.Command{
		Use:   "ublkraid",
		Short: "Serve a RAID-0 or RAID-1 array as a ublk block device",
	}

	root.AddCommand(newRaid0Cmd(), newRaid1Cmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRaid0Cmd() *cobra.Command {
	var (
		sizeStr    = "64M"
		stripeStr  = "256K"
		childSpecs []string
		verbose    bool
	)

	cmd := &cobra.Command{
		Use:   "raid0",
		Short: "Stripe I/O across children with no redundancy",
		RunE: func(cmd *cobra.Command, args []string) error {
			stripeSize, err := parseSize(stripeStr)
			if err != nil {
				return fmt.Errorf("invalid --stripe-size: %w", err)
			}
			children, closeFn, err := openChildren(childSpecs, sizeStr)
			if err != nil {
				return err
			}
			defer closeFn()

			router, err := raid0.New(children, stripeSize)
			if err != nil {
				return fmt.Errorf("failed to assemble raid0: %w", err)
			}
			return serve(router, verbose)
		},
	}

	cmd.Flags().StringVar(&sizeStr, "size", sizeStr, "size of each memory child when no --child is given (e.g. 64M, 1G)")
	cmd.Flags().StringVar(&stripeStr, "stripe-size", stripeStr, "stripe width (e.g. 256K, 4M)")
	cmd.Flags().StringArrayVar(&childSpecs, "child", nil, "child backend, repeatable: mem:<size> or file:<path>[:<size>]")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

func newRaid1Cmd() *cobra.Command {
	var (
		sizeStr string = "64M"
		aSpec   string
		bSpec   string
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "raid1",
		Short: "Mirror I/O across two children with read failover",
		RunE: func(cmd *cobra.Command, args []string) error {
			if aSpec == "" {
				aSpec = "mem:" + sizeStr
			}
			if bSpec == "" {
				bSpec = "mem:" + sizeStr
			}
			children, closeFn, err := openChildren([]string{aSpec, bSpec}, sizeStr)
			if err != nil {
				return err
			}
			defer closeFn()

			device, err := raid1.New(children[0], children[1])
			if err != nil {
				return fmt.Errorf("failed to assemble raid1: %w", err)
			}
			return serve(device, verbose)
		},
	}

	cmd.Flags().StringVar(&sizeStr, "size", sizeStr, "size of each memory child when no --a/--b is given (e.g. 64M, 1G)")
	cmd.Flags().StringVar(&aSpec, "a", "", "first child backend: mem:<size> or file:<path>[:<size>] (default mem:<--size>)")
	cmd.Flags().StringVar(&bSpec, "b", "", "second child backend: mem:<size> or file:<path>[:<size>] (default mem:<--size>)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	return cmd
}

// openChildren opens one disk.Disk per spec string ("mem:<size>" or
// "file:<path>[:<size>]"); specs == nil falls back to a single "mem:size"
// child for raid0's default case.
func openChildren(specs []string, defaultSize string) ([]disk.Disk, func(), error) {
	if len(specs) == 0 {
		specs = []string{"mem:" + defaultSize}
	}

	var children []disk.Disk
	for i, spec := range specs {
		d, err := openChild(spec, i)
		if err != nil {
			for _, opened := range children {
				opened.Close()
			}
			return nil, nil, err
		}
		children = append(children, d)
	}

	closeFn := func() {
		for _, c := range children {
			c.Close()
		}
	}
	return children, closeFn, nil
}

func openChild(spec string, idx int) (disk.Disk, error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid child spec %q, want mem:<size> or file:<path>[:<size>]", spec)
	}

	switch parts[0] {
	case "mem":
		size, err := parseSize(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid mem child size %q: %w", parts[1], err)
		}
		return memdisk.New(fmt.Sprintf("child%d", idx), size), nil
	case "file":
		var size int64
		if len(parts) == 3 {
			s, err := parseSize(parts[2])
			if err != nil {
				return nil, fmt.Errorf("invalid file child size %q: %w", parts[2], err)
			}
			size = s
		}
		return filedisk.Open(parts[1], size)
	default:
		return nil, fmt.Errorf("unknown child backend %q", parts[0])
	}
}

func serve(d disk.Disk, verbose bool) error {
	logConfig := logging.DefaultConfig()
	if verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	params := ublk.DefaultParams(diskbackend.New(d))
	params.QueueDepth = 32
	params.NumQueues = 1
	params.MaxIOSize = ublk.IOBufferSizePerTag
	params.EnableIoctlEncode = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	device, err := ublk.CreateAndServe(ctx, params, &ublk.Options{})
	if err != nil {
		return fmt.Errorf("failed to create device: %w", err)
	}

	fmt.Printf("Device created: %s\n", device.Path)
	fmt.Printf("Character device: %s\n", device.CharPath)
	fmt.Printf("Press Ctrl+C to stop...\n")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("received shutdown signal")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	if err := ublk.StopAndDelete(stopCtx, device); err != nil {
		logger.Error("error stopping device", "error", err)
	}
	return nil
}

// parseSize parses a size string like "64M", "1G", "512K".
func parseSize(s string) (int64, error) {
	s = strings.ToUpper(s)

	var multiplier int64 = 1
	var numStr string

	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		numStr = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		numStr = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		numStr = strings.TrimSuffix(s, "G")
	default:
		numStr = s
	}

	num, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}
	return num * multiplier, nil
}
