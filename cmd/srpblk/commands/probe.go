package commands

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sanboot/srpblk/internal/block"
	"github.com/sanboot/srpblk/internal/cli/output"
	"github.com/sanboot/srpblk/internal/dma"
	"github.com/sanboot/srpblk/internal/interconnect"
	"github.com/sanboot/srpblk/internal/logger"
	"github.com/sanboot/srpblk/internal/scsi"
	"github.com/sanboot/srpblk/internal/srp"
	"github.com/sanboot/srpblk/internal/target"
	"github.com/sanboot/srpblk/pkg/bufpool"
	"github.com/sanboot/srpblk/pkg/config"
	"github.com/sanboot/srpblk/pkg/metrics"
)

var (
	probeBlocks     uint64
	probeBlockSize  uint32
	probeCount      uint
	probeLBA        uint64
	probeFailures   int
	probeHold       time.Duration
	probeRejectWith uint32
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Run the full stack against an in-process target",
	Long: `Probe logs an SRP session into a RAM-disk target, queries its
capacity, writes a test pattern and reads it back through the complete
SCSI command engine.

Examples:
  # Default probe against a 2048-block disk
  srpblk probe

  # Large disk forcing the 16-byte capacity escalation
  srpblk probe --disk-blocks 5000000000

  # Exercise the retry path: the first three commands fail
  srpblk probe --inject-failures 3

  # Serve Prometheus metrics for 30s after the probe
  SRPBLK_METRICS_ENABLED=true srpblk probe --hold 30s`,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().Uint64Var(&probeBlocks, "disk-blocks", 0, "target disk size in blocks (overrides config)")
	probeCmd.Flags().Uint32Var(&probeBlockSize, "disk-block-size", 0, "target block size in bytes (overrides config)")
	probeCmd.Flags().UintVar(&probeCount, "count", 16, "blocks per probe transfer")
	probeCmd.Flags().Uint64Var(&probeLBA, "lba", 0, "starting block of the probe transfer")
	probeCmd.Flags().IntVar(&probeFailures, "inject-failures", 0, "fail the first N commands to exercise retry")
	probeCmd.Flags().Uint32Var(&probeRejectWith, "reject-login", 0, "make the target reject login with this reason code")
	probeCmd.Flags().DurationVar(&probeHold, "hold", 0, "keep serving metrics for this long after the probe")
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if probeBlocks != 0 {
		cfg.Disk.Blocks = probeBlocks
	}
	if probeBlockSize != 0 {
		cfg.Disk.BlockSize = probeBlockSize
	}

	if cfg.Metrics.Enabled {
		metrics.Init(nil)
		go serveMetrics(cfg.Metrics.Address)
	}

	result, err := probe(cfg)
	if err != nil {
		return err
	}

	table := output.NewTableData("FIELD", "VALUE")
	table.AddRow("capacity", fmt.Sprintf("%d blocks", result.capacity.Blocks))
	table.AddRow("block size", fmt.Sprintf("%d bytes", result.capacity.BlockSize))
	table.AddRow("disk size", fmt.Sprintf("%d bytes", result.capacity.Blocks*uint64(result.capacity.BlockSize)))
	table.AddRow("transfer", fmt.Sprintf("%d blocks at LBA %d", probeCount, probeLBA))
	table.AddRow("write", "ok")
	table.AddRow("read", "ok")
	table.AddRow("verify", "ok")
	table.AddRow("duration", result.elapsed.String())
	if err := output.PrintTable(os.Stdout, table); err != nil {
		return err
	}

	if cfg.Metrics.Enabled && probeHold > 0 {
		fmt.Printf("\nserving metrics on %s for %s\n", cfg.Metrics.Address, probeHold)
		time.Sleep(probeHold)
	}
	return nil
}

func serveMetrics(addr string) {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("metrics listener failed", logger.KeyReason, err)
	}
}

type probeResult struct {
	capacity block.Capacity
	elapsed  time.Duration
}

// probe wires the stack together and drives one capacity query plus a
// write/read/verify cycle through it.
func probe(cfg *config.Config) (*probeResult, error) {
	start := time.Now()

	initiator := srp.RandomPortID()
	if cfg.Session.Initiator != "" {
		initiator, _ = srp.ParsePortID(cfg.Session.Initiator)
	}
	targetID, _ := srp.ParsePortID(cfg.Session.Target)
	lun, _ := scsi.ParseLUN(cfg.Session.LUN)

	registry := dma.NewRegistry()
	tgt := target.New(target.Config{
		Blocks:       cfg.Disk.Blocks,
		BlockSize:    cfg.Disk.BlockSize,
		Registry:     registry,
		RejectLogin:  probeRejectWith != 0,
		RejectReason: probeRejectWith,
	})
	tgt.FailNext(probeFailures)

	// Root endpoint anchoring the consumer side of the stack.
	var rootRef interconnect.RefCount
	rootRef.Init(nil)
	var blk interconnect.Endpoint
	blk.Init("probe-block", &rootRef, nil)

	if err := srp.Open(&blk, tgt.Endpoint(), srp.Settings{
		Initiator:    initiator,
		Target:       targetID,
		MemoryHandle: cfg.Session.MemoryHandle,
		LUN:          lun,
		Mapper:       registry,
	}); err != nil {
		return nil, fmt.Errorf("session open failed: %w", err)
	}

	// Complete the login handshake before issuing.
	tgt.Pump()

	w := block.NewWaiter("probe-capacity")
	if err := block.ReadCapacity(&blk, w.Endpoint()); err != nil {
		return nil, fmt.Errorf("capacity query rejected: %w", err)
	}
	if err := await(w, tgt); err != nil {
		return nil, fmt.Errorf("capacity query failed: %w", err)
	}
	capacity, ok := w.Capacity()
	if !ok {
		return nil, errors.New("capacity query completed without a capacity record")
	}

	if probeLBA+uint64(probeCount) > capacity.Blocks {
		return nil, fmt.Errorf("transfer %d+%d exceeds %d-block disk",
			probeLBA, probeCount, capacity.Blocks)
	}

	size := int(probeCount) * int(capacity.BlockSize)
	wbuf := bufpool.Get(size)
	defer bufpool.Put(wbuf)
	for i := range wbuf {
		wbuf[i] = byte(i*7 + 3)
	}

	w = block.NewWaiter("probe-write")
	if err := block.Write(&blk, w.Endpoint(), probeLBA, probeCount, wbuf); err != nil {
		return nil, fmt.Errorf("write rejected: %w", err)
	}
	if err := await(w, tgt); err != nil {
		return nil, fmt.Errorf("write failed: %w", err)
	}

	rbuf := bufpool.Get(size)
	defer bufpool.Put(rbuf)

	w = block.NewWaiter("probe-read")
	if err := block.Read(&blk, w.Endpoint(), probeLBA, probeCount, rbuf); err != nil {
		return nil, fmt.Errorf("read rejected: %w", err)
	}
	if err := await(w, tgt); err != nil {
		return nil, fmt.Errorf("read failed: %w", err)
	}

	for i := range wbuf {
		if rbuf[i] != wbuf[i] {
			return nil, fmt.Errorf("verify failed at byte %d: wrote %#02x, read %#02x",
				i, wbuf[i], rbuf[i])
		}
	}

	return &probeResult{capacity: capacity, elapsed: time.Since(start)}, nil
}

// await pumps the target until the pending operation resolves. A drained
// queue with the operation still pending means the exchange stalled.
func await(w *block.Waiter, tgt *target.Target) error {
	for !w.Done() {
		if tgt.Pump() == 0 {
			w.Cancel(errors.New("exchange stalled"))
			return errors.New("exchange stalled")
		}
	}
	return w.Err()
}
