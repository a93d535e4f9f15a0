package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ehrlich-b/go-blockif"
	"github.com/ehrlich-b/go-blockif/internal/logging"
	"github.com/ehrlich-b/go-blockif/internal/uring"
)

func main() {
	cmd := &cobra.Command{
		Use:   "blockif-probe [flags] OPTIONS",
		Short: "Open a block store, print its geometry and optionally exercise it",
		Long: `Open a block store described by an option string such as

  disk.img,nocache,sectorsize=512/4096,discard
  mem:64MiB

print what was probed, and optionally run a misaligned read/write self-test
and a flush of every queue. Flags may also be set through BLOCKIF_* environment
variables, e.g. BLOCKIF_QUEUES=4.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
	}
	addFlags(cmd.Flags())

	viper.SetEnvPrefix("BLOCKIF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v: error: %v\n", cmd.CommandPath(), err)
		os.Exit(1)
	}
}

func addFlags(fs *pflag.FlagSet) {
	fs.String("ident", "probe0", "context identifier used in logs and errors")
	fs.Int("queues", 1, "number of queues")
	fs.Int("depth", blockif.DefaultQueueDepth, "queue depth of the default executor")
	fs.Bool("uring", false, "use the io_uring executor (requires a giouring build)")
	fs.Bool("selftest", false, "run a misaligned write/read round trip (destroys data at offset 100)")
	fs.Bool("flush", false, "flush every queue before closing")
	fs.Duration("timeout", 10*time.Second, "deadline for the self-test and flush")
	fs.BoolP("verbose", "v", false, "verbose output")
	fs.String("log-format", "text", "log format: text or json")
}

func run(ctx context.Context, optstr string) error {
	logConfig := logging.DefaultConfig()
	logConfig.Format = viper.GetString("log-format")
	if viper.GetBool("verbose") {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var exec blockif.Executor
	if viper.GetBool("uring") {
		ring, err := uring.New(uring.Config{Logger: logger})
		if err != nil {
			return fmt.Errorf("io_uring executor: %w", err)
		}
		defer ring.Close()
		exec = ring
	}

	c, err := blockif.Open(optstr, viper.GetString("ident"), viper.GetInt("queues"), exec, &blockif.Options{
		Context:    ctx,
		Logger:     logger,
		QueueDepth: viper.GetInt("depth"),
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Error("close failed", "error", err)
		}
	}()

	printGeometry(c)

	ctx, cancel := context.WithTimeout(ctx, viper.GetDuration("timeout"))
	defer cancel()

	if viper.GetBool("selftest") {
		if err := selfTest(ctx, c); err != nil {
			return fmt.Errorf("self-test: %w", err)
		}
		fmt.Println("Self-test:       passed")
	}

	if viper.GetBool("flush") {
		if err := c.FlushAll(ctx); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
		fmt.Println("Flush:           ok")
	}
	return nil
}

func printGeometry(c *blockif.Context) {
	psize, poff := c.PhysicalSectorSize()
	cyl, heads, secpt := c.CHS()

	fmt.Printf("Ident:           %s\n", c.Ident())
	fmt.Printf("Size:            %s (%d bytes)\n", humanize.IBytes(uint64(c.Size())), c.Size())
	fmt.Printf("Sector size:     %d logical, %d physical (offset %d)\n", c.SectorSize(), psize, poff)
	fmt.Printf("CHS:             %d/%d/%d\n", cyl, heads, secpt)
	fmt.Printf("Queues:          %d x depth %d (max %d segments per request)\n", c.NumQueues(), c.QueueSize(), blockif.IOVMax)
	fmt.Printf("Read-only:       %t\n", c.ReadOnly())
	fmt.Printf("Write cache:     %t\n", c.WriteCache())
	if c.DirectIO() {
		fmt.Printf("Direct I/O:      yes, %d byte alignment\n", c.Alignment())
	} else {
		fmt.Printf("Direct I/O:      no\n")
	}
	if c.CanDiscard() {
		fmt.Printf("Discard:         %d sectors x %d segments, %d sector alignment\n",
			c.MaxDiscardSectors(), c.MaxDiscardSegments(), c.DiscardSectorAlignment())
	} else {
		fmt.Printf("Discard:         no\n")
	}
}

// wait submits req and blocks until its callback runs
func wait(ctx context.Context, submit func(*blockif.Request) error, req *blockif.Request) error {
	done := make(chan error, 1)
	req.Callback = func(_ *blockif.Request, err error) {
		done <- err
	}
	if err := submit(req); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func selfTest(ctx context.Context, c *blockif.Context) error {
	const (
		offset = 100
		length = 300
	)
	if c.ReadOnly() {
		return errors.New("context is read-only")
	}
	if c.Size() < offset+length {
		return fmt.Errorf("store too small (%d bytes)", c.Size())
	}

	want := make([]byte, length)
	for i := range want {
		want[i] = byte(i*31 + 7)
	}
	w := &blockif.Request{Iov: [][]byte{want[:length/2], want[length/2:]}, Offset: offset}
	if err := wait(ctx, c.Write, w); err != nil {
		return err
	}
	if w.Resid != 0 {
		return fmt.Errorf("short write: %d bytes left", w.Resid)
	}

	got := make([]byte, length)
	r := &blockif.Request{Iov: [][]byte{got}, Offset: offset}
	if err := wait(ctx, c.Read, r); err != nil {
		return err
	}
	if r.Resid != 0 {
		return fmt.Errorf("short read: %d bytes left", r.Resid)
	}
	if !bytes.Equal(want, got) {
		return errors.New("read back different data")
	}

	snap := c.Metrics().Snapshot()
	logging.Info("self-test complete",
		"bounced_ops", snap.BouncedOps,
		"bounced_bytes", humanize.IBytes(snap.BouncedBytes),
		"rmw_ops", snap.RMWOps,
		"avg_latency", time.Duration(snap.AvgLatencyNs),
		"p99_latency", time.Duration(snap.LatencyP99Ns),
		"max_queue_depth", snap.MaxQueueDepth)
	return nil
}
