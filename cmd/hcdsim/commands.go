package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg/usbid"
)

// InfoCmd prints the descriptors and SCSI identity of the disk.
type InfoCmd struct {
	IDs string `name:"ids" help:"usb.ids database; the usual system locations when empty" type:"path"`
}

// Run is called by Kong when the info command is executed.
func (c *InfoCmd) Run(g *Globals, logger *slog.Logger) error {
	var paths []string
	if c.IDs != "" {
		paths = append(paths, c.IDs)
	}
	ids, err := usbid.Open(paths...)
	if err != nil {
		logger.Debug("no USB ID database", "error", err)
	}

	return g.withDisk(logger, func(ctx context.Context, s *session) error {
		d := s.device
		desc := d.Descriptor()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Address\t%d\n", d.Address())
		fmt.Fprintf(w, "Speed\t%s\n", d.Speed())
		fmt.Fprintf(w, "USB version\t%x.%02x\n", desc.USBVersion>>8, desc.USBVersion&0xFF)
		fmt.Fprintf(w, "ID\t%04x:%04x\n", desc.VendorID, desc.ProductID)
		if name := ids.Vendor(desc.VendorID); name != "" {
			fmt.Fprintf(w, "Vendor name\t%s\n", name)
		}
		if name := ids.Product(desc.VendorID, desc.ProductID); name != "" {
			fmt.Fprintf(w, "Product name\t%s\n", name)
		}
		fmt.Fprintf(w, "Manufacturer\t%s\n", d.Manufacturer())
		fmt.Fprintf(w, "Product\t%s\n", d.Product())
		fmt.Fprintf(w, "Serial\t%s\n", d.SerialNumber())
		fmt.Fprintf(w, "EP0 max packet\t%d\n", desc.MaxPacketSize0)
		for _, iface := range d.Interfaces() {
			fmt.Fprintf(w, "Interface %d\tclass %02x/%02x/%02x\n", iface.InterfaceNumber,
				iface.InterfaceClass, iface.InterfaceSubClass, iface.InterfaceProtocol)
			for _, ep := range iface.Endpoints {
				dir := "OUT"
				if ep.IsIn() {
					dir = "IN"
				}
				fmt.Fprintf(w, "  Endpoint %#02x\t%s %s, max packet %d\n",
					ep.EndpointAddress, ep.TransferType(), dir, ep.PacketSize())
			}
		}

		lun, err := s.client.GetMaxLUN(ctx)
		if err != nil {
			return err
		}
		inq, err := s.client.Inquiry(ctx)
		if err != nil {
			return err
		}
		capacity, err := s.client.ReadCapacity(ctx)
		if err != nil {
			return err
		}
		wp, err := s.client.WriteProtected(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Max LUN\t%d\n", lun)
		fmt.Fprintf(w, "Vendor\t%s\n", inq.VendorID)
		fmt.Fprintf(w, "Model\t%s\n", inq.ProductID)
		fmt.Fprintf(w, "Revision\t%s\n", inq.ProductRev)
		fmt.Fprintf(w, "Removable\t%t\n", inq.Removable)
		fmt.Fprintf(w, "Capacity\t%d blocks of %d bytes (%d bytes)\n",
			capacity.Blocks(), capacity.BlockLength, capacity.Bytes())
		fmt.Fprintf(w, "Write protected\t%t\n", wp)
		return w.Flush()
	})
}

// ReadCmd reads blocks to a file or to standard output.
type ReadCmd struct {
	LBA    uint32 `arg:"" help:"First block"`
	Count  int    `help:"Number of blocks" default:"1"`
	Output string `short:"o" help:"Destination file; standard output when empty" type:"path"`
}

// Run is called by Kong when the read command is executed.
func (c *ReadCmd) Run(g *Globals, logger *slog.Logger) error {
	if c.Count <= 0 {
		return fmt.Errorf("count must be positive, got %d", c.Count)
	}
	return g.withDisk(logger, func(ctx context.Context, s *session) error {
		if _, err := s.client.ReadCapacity(ctx); err != nil {
			return err
		}
		buf := make([]byte, c.Count*int(s.client.BlockSize()))
		if _, err := s.client.Read(ctx, c.LBA, buf); err != nil {
			return err
		}

		if c.Output != "" {
			return os.WriteFile(c.Output, buf, 0o644)
		}
		if term.IsTerminal(int(os.Stdout.Fd())) {
			dumper := hex.Dumper(os.Stdout)
			defer dumper.Close()
			_, err := dumper.Write(buf)
			return err
		}
		_, err := os.Stdout.Write(buf)
		return err
	})
}

// WriteCmd writes a file to the disk, zero-padded to whole blocks.
type WriteCmd struct {
	LBA   uint32 `arg:"" help:"First block"`
	Input string `arg:"" help:"Source file, or - for standard input"`
}

// Run is called by Kong when the write command is executed.
func (c *WriteCmd) Run(g *Globals, logger *slog.Logger) error {
	var (
		data []byte
		err  error
	)
	if c.Input == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(c.Input)
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	return g.withDisk(logger, func(ctx context.Context, s *session) error {
		if _, err := s.client.ReadCapacity(ctx); err != nil {
			return err
		}
		bs := int(s.client.BlockSize())
		if rem := len(data) % bs; rem != 0 {
			data = append(data, make([]byte, bs-rem)...)
		}
		n, err := s.client.Write(ctx, c.LBA, data)
		if err != nil {
			return err
		}
		if err := s.client.Sync(ctx); err != nil {
			return err
		}
		logger.Info("write complete", "lba", c.LBA, "bytes", n)
		return nil
	})
}

// BenchCmd measures write and read throughput and verifies the data.
type BenchCmd struct {
	LBA        uint32 `help:"First block" default:"0"`
	Blocks     int    `help:"Blocks per pass" default:"256"`
	Iterations int    `help:"Write/read passes" default:"4"`
}

// Run is called by Kong when the bench command is executed.
func (c *BenchCmd) Run(g *Globals, logger *slog.Logger) error {
	if c.Blocks <= 0 || c.Iterations <= 0 {
		return fmt.Errorf("blocks and iterations must be positive")
	}
	return g.withDisk(logger, func(ctx context.Context, s *session) error {
		if _, err := s.client.ReadCapacity(ctx); err != nil {
			return err
		}
		size := c.Blocks * int(s.client.BlockSize())
		out := make([]byte, size)
		in := make([]byte, size)

		var wrote, read time.Duration
		for i := range c.Iterations {
			fill(out, byte(i))

			start := time.Now()
			if _, err := s.client.Write(ctx, c.LBA, out); err != nil {
				return fmt.Errorf("pass %d: %w", i, err)
			}
			wrote += time.Since(start)

			clear(in)
			start = time.Now()
			if _, err := s.client.Read(ctx, c.LBA, in); err != nil {
				return fmt.Errorf("pass %d: %w", i, err)
			}
			read += time.Since(start)

			if !bytes.Equal(out, in) {
				return fmt.Errorf("pass %d: read back differs from written data", i)
			}
			logger.Debug("bench pass complete", "pass", i)
		}

		total := float64(size * c.Iterations)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(w, "Bytes per pass\t%d\n", size)
		fmt.Fprintf(w, "Write\t%v\t%.1f KiB/s\n", wrote, total/1024/wrote.Seconds())
		fmt.Fprintf(w, "Read\t%v\t%.1f KiB/s\n", read, total/1024/read.Seconds())
		return w.Flush()
	})
}

// StressCmd issues random reads from several goroutines sharing one client.
type StressCmd struct {
	Workers int    `help:"Concurrent readers" default:"4"`
	Reads   int    `help:"Reads per worker" default:"32"`
	Blocks  int    `help:"Blocks per read" default:"8"`
	Seed    uint64 `help:"Random seed" default:"1"`
}

// Run is called by Kong when the stress command is executed.
func (c *StressCmd) Run(g *Globals, logger *slog.Logger) error {
	if c.Workers <= 0 || c.Reads <= 0 || c.Blocks <= 0 {
		return fmt.Errorf("workers, reads and blocks must be positive")
	}
	return g.withDisk(logger, func(ctx context.Context, s *session) error {
		capacity, err := s.client.ReadCapacity(ctx)
		if err != nil {
			return err
		}
		if uint64(c.Blocks) > capacity.Blocks() {
			return fmt.Errorf("%d blocks per read exceed the disk", c.Blocks)
		}
		span := capacity.Blocks() - uint64(c.Blocks) + 1

		group, gctx := errgroup.WithContext(ctx)
		for w := range c.Workers {
			rng := rand.New(rand.NewPCG(c.Seed, uint64(w)))
			group.Go(func() error {
				buf := make([]byte, c.Blocks*int(capacity.BlockLength))
				for i := range c.Reads {
					lba := uint32(rng.Uint64N(span))
					if _, err := s.client.Read(gctx, lba, buf); err != nil {
						return fmt.Errorf("worker %d read %d at %d: %w", w, i, lba, err)
					}
				}
				return nil
			})
		}
		if err := group.Wait(); err != nil {
			return err
		}
		logger.Info("stress complete", "reads", c.Workers*c.Reads)
		return nil
	})
}

func fill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = byte(i>>9) ^ byte(i) ^ seed
	}
}

func printStats(w io.Writer, st hcd.Stats, faults *sim.Faulty) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Submitted\t%d\n", st.Submitted)
	fmt.Fprintf(tw, "Completed\t%d\n", st.Completed)
	fmt.Fprintf(tw, "Aborted\t%d\n", st.Aborted)
	fmt.Fprintf(tw, "NAKs\t%d\n", st.Naks)
	fmt.Fprintf(tw, "Retries\t%d\n", st.Retries)
	fmt.Fprintf(tw, "Start-Splits\t%d\n", st.StartSplits)
	fmt.Fprintf(tw, "Complete-Splits\t%d\n", st.CompleteSplits)
	fmt.Fprintf(tw, "Faults\t%d\n", st.Faults)
	fmt.Fprintf(tw, "Channels in use\t%d\n", st.ChannelsInUse)
	if faults != nil {
		fmt.Fprintf(tw, "Injected faults\t%d\n", faults.Injected())
	}
	_ = tw.Flush()
}
