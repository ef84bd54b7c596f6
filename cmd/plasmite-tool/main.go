// Command plasmite-tool is a small developer utility around the pool
// engine: create, append, get, tail, validate, and inspect a pool file
// from the shell. It is not the product's CLI front-end (that front-end,
// its pool-name resolution, and its output formatting are out of the
// core's scope); this tool exists to exercise the engine directly.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sandover/plasmite-sub000"
)

var rootCmd = &cobra.Command{
	Use:     "plasmite-tool",
	Short:   "Inspect and drive a plasmite pool file directly",
	Version: "dev",
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(infoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *zap.SugaredLogger {
	log, err := zap.NewDevelopment()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return log.Sugar()
}

var createArgs struct {
	SizeBytes       uint64
	IndexEnabled    bool
	IndexCapacity   uint64
	ChecksumEnabled bool
}

var createCmd = &cobra.Command{
	Use:   "create <path>",
	Short: "Create a new pool file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		p, err := plasmite.CreatePool(args[0], createArgs.SizeBytes, plasmite.CreateOptions{
			IndexEnabled:    createArgs.IndexEnabled,
			IndexCapacity:   createArgs.IndexCapacity,
			ChecksumEnabled: createArgs.ChecksumEnabled,
		}, log)
		if err != nil {
			return err
		}
		return p.Close()
	},
}

func init() {
	createCmd.Flags().Uint64Var(&createArgs.SizeBytes, "size-bytes", 1<<20, "total pool file size")
	createCmd.Flags().BoolVar(&createArgs.IndexEnabled, "index", true, "enable the inline seq index")
	createCmd.Flags().Uint64Var(&createArgs.IndexCapacity, "index-capacity", plasmite.DefaultIndexCapacity, "inline index capacity")
	createCmd.Flags().BoolVar(&createArgs.ChecksumEnabled, "checksum", false, "enable per-frame CRC32C")
}

var appendArgs struct {
	Tags  []string
	Flush bool
}

var appendCmd = &cobra.Command{
	Use:   "append <path> <data>",
	Short: "Append one message with the given opaque data",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		p, err := plasmite.OpenPool(args[0], log)
		if err != nil {
			return err
		}
		defer p.Close()

		durability := plasmite.DurabilityFast
		if appendArgs.Flush {
			durability = plasmite.DurabilityFlush
		}
		msg, err := p.Append([]byte(args[1]), appendArgs.Tags, time.Time{}, durability)
		if err != nil {
			return err
		}
		fmt.Printf("seq=%d time=%s\n", msg.Seq, msg.Time.Format(time.RFC3339Nano))
		return nil
	},
}

func init() {
	appendCmd.Flags().StringSliceVar(&appendArgs.Tags, "tag", nil, "tag to attach (repeatable)")
	appendCmd.Flags().BoolVar(&appendArgs.Flush, "flush", false, "use Flush durability")
}

var getCmd = &cobra.Command{
	Use:   "get <path> <seq>",
	Short: "Fetch a single message by seq",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		p, err := plasmite.OpenPool(args[0], log)
		if err != nil {
			return err
		}
		defer p.Close()

		var seq uint64
		if _, err := fmt.Sscanf(args[1], "%d", &seq); err != nil {
			return fmt.Errorf("invalid seq %q: %w", args[1], err)
		}
		msg, err := p.Get(seq)
		if err != nil {
			return err
		}
		fmt.Printf("seq=%d time=%s tags=%v data=%s\n", msg.Seq, msg.Time.Format(time.RFC3339Nano), msg.Tags, msg.Data)
		return nil
	},
}

var tailArgs struct {
	SinceSeq uint64
	Tags     []string
	Follow   bool
}

var tailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Print messages after since-seq, optionally following new appends",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		p, err := plasmite.OpenPool(args[0], log)
		if err != nil {
			return err
		}
		defer p.Close()

		ctx := context.Background()
		if !tailArgs.Follow {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, 200*time.Millisecond)
			defer cancel()
		}

		cur := p.Tail(plasmite.CursorOptions{SinceSeq: tailArgs.SinceSeq, Tags: tailArgs.Tags})
		defer cur.Close()

		for {
			msg, err := cur.Next(ctx)
			if err != nil {
				if err == plasmite.ErrEndOfStream {
					return nil
				}
				if fb, ok := err.(*plasmite.FellBehindError); ok {
					fmt.Fprintf(os.Stderr, "fell behind, resuming from seq %d\n", fb.ResumeFromSeq)
					continue
				}
				return err
			}
			fmt.Printf("seq=%d time=%s tags=%v data=%s\n", msg.Seq, msg.Time.Format(time.RFC3339Nano), msg.Tags, msg.Data)
		}
	},
}

func init() {
	tailCmd.Flags().Uint64Var(&tailArgs.SinceSeq, "since", 0, "exclusive starting seq")
	tailCmd.Flags().StringSliceVar(&tailArgs.Tags, "tag", nil, "required tag (repeatable, AND composed)")
	tailCmd.Flags().BoolVar(&tailArgs.Follow, "follow", false, "keep polling for new messages")
}

var validateCmd = &cobra.Command{
	Use:   "validate <path>",
	Short: "Scan a pool and report its validation status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		report, err := plasmite.ValidatePool(args[0], log)
		if err != nil {
			return err
		}
		fmt.Printf("status=%s frames_scanned=%d last_good_seq=%d\n", report.Status, report.FramesScanned, report.LastGoodSeq)
		for _, a := range report.Anomalies {
			fmt.Printf("  anomaly offset=%d: %s\n", a.Offset, a.Detail)
		}
		return nil
	},
}

var infoCmd = &cobra.Command{
	Use:   "info <path>",
	Short: "Print a pool's bounds and utilization",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newLogger()
		defer log.Sync()

		p, err := plasmite.OpenPool(args[0], log)
		if err != nil {
			return err
		}
		defer p.Close()

		info, err := p.Info()
		if err != nil {
			return err
		}
		fmt.Printf("path=%s size_bytes=%d ring_size=%d used_bytes=%d msg_count=%d oldest_seq=%d newest_seq=%d index_enabled=%v generation=%d status=%s\n",
			info.Path, info.SizeBytes, info.RingSize, info.UsedBytes, info.MsgCount,
			info.OldestSeq, info.NewestSeq, info.IndexEnabled, info.Generation, info.Status)
		return nil
	},
}
