package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softhcd/host"
	"github.com/ardnew/softhcd/host/class/msc"
	"github.com/ardnew/softhcd/host/hal"
	"github.com/ardnew/softhcd/host/hal/sim"
	"github.com/ardnew/softhcd/host/hal/sim/msd"
	"github.com/ardnew/softhcd/host/hcd"
	"github.com/ardnew/softhcd/pkg/prof"
)

// Globals are the options shared by every command.
type Globals struct {
	Log     LogOptions   `embed:"" prefix:"log."`
	Sim     SimOptions   `embed:"" prefix:"sim."`
	Engine  hcd.Policy   `embed:"" prefix:"engine."`
	Profile prof.Options `embed:"" prefix:"profile."`

	Timeout time.Duration `help:"Overall deadline for the command; 0 for none" default:"0s" env:"HCDSIM_TIMEOUT"`
	Stats   bool          `help:"Print engine counters when the command finishes" env:"HCDSIM_STATS"`
}

// LogOptions configures logging.
type LogOptions struct {
	Level  string `help:"Log level (trace, debug, info, warn, error)" default:"warn" env:"HCDSIM_LOG_LEVEL"`
	File   string `help:"Also write logs to this file" env:"HCDSIM_LOG_FILE"`
	Format string `help:"Log format" enum:"auto,text,json" default:"auto" env:"HCDSIM_LOG_FORMAT"`
}

// SimOptions describes the simulated controller and the disk behind it.
type SimOptions struct {
	Channels    int           `help:"Hardware channels of the controller" default:"8" env:"HCDSIM_CHANNELS"`
	FramePeriod time.Duration `help:"Real time per simulated frame" default:"100us" env:"HCDSIM_FRAME_PERIOD"`
	Speed       string        `help:"Device speed" enum:"full,high" default:"full" env:"HCDSIM_SPEED"`

	Image     string `help:"Back the disk with this file instead of memory" type:"path" env:"HCDSIM_IMAGE"`
	Blocks    uint64 `help:"Disk size in blocks (minimum size for an image)" default:"2048" env:"HCDSIM_BLOCKS"`
	BlockSize uint32 `help:"Logical block size" default:"512" env:"HCDSIM_BLOCK_SIZE"`
	ReadOnly  bool   `help:"Write-protect the disk" env:"HCDSIM_READ_ONLY"`

	Faults sim.FaultPlan `embed:"" prefix:"fault."`
}

func (o *SimOptions) speed() hal.Speed {
	if o.Speed == "high" {
		return hal.SpeedHigh
	}
	return hal.SpeedFull
}

// storage opens the medium. The closer is nil for memory storage.
func (o *SimOptions) storage() (msd.Storage, io.Closer, error) {
	if o.BlockSize == 0 || o.BlockSize%512 != 0 {
		return nil, nil, fmt.Errorf("block size %d is not a multiple of 512", o.BlockSize)
	}
	if o.Image == "" {
		m := msd.NewMemoryStorage(o.Blocks, o.BlockSize)
		m.SetReadOnly(o.ReadOnly)
		return m, nil, nil
	}
	f, err := msd.OpenFileStorage(o.Image, o.BlockSize, o.Blocks, o.ReadOnly)
	if err != nil {
		return nil, nil, fmt.Errorf("open image: %w", err)
	}
	return f, f, nil
}

// session is an enumerated disk ready for commands.
type session struct {
	host   *host.Host
	device *host.Device
	client *msc.Client
	faults *sim.Faulty
}

// withDisk plugs a simulated disk, runs the bus, the host and work
// concurrently and tears everything down once work returns.
func (g *Globals) withDisk(logger *slog.Logger, work func(context.Context, *session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	storage, closer, err := g.Sim.storage()
	if err != nil {
		return err
	}
	if closer != nil {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Warn("failed to close image", "error", err)
			}
		}()
	}

	ctrl := sim.New(sim.Options{Channels: g.Sim.Channels, FramePeriod: g.Sim.FramePeriod})
	h, err := host.New(ctrl, ctrl, host.Config{Engine: hcd.Config{Policy: g.Engine}})
	if err != nil {
		return err
	}

	cfg := msd.DefaultConfig()
	cfg.Speed = g.Sim.speed()
	dev, _ := msd.NewDevice(storage, cfg)
	s := &session{host: h}
	var fn sim.Function = dev
	if g.Sim.Faults != (sim.FaultPlan{}) {
		s.faults = sim.NewFaulty(dev, g.Sim.Faults)
		fn = s.faults
	}
	ctrl.Plug(fn, cfg.Speed)

	runCtx, finish := context.WithCancel(ctx)
	defer finish()
	group, gctx := errgroup.WithContext(runCtx)
	group.Go(func() error { return ctrl.Run(gctx, h.HandleInterrupt) })

	if err := h.Start(gctx); err != nil {
		finish()
		_ = group.Wait()
		return err
	}
	group.Go(func() error {
		defer finish()
		defer func() {
			if err := h.Stop(); err != nil {
				logger.Warn("host stop failed", "error", err)
			}
			if g.Stats {
				printStats(os.Stdout, h.Engine().Stats(), s.faults)
			}
		}()

		d, err := h.WaitDevice(gctx)
		if err != nil {
			return fmt.Errorf("waiting for device: %w", err)
		}
		iface, in, out, err := d.FindBulkInterface(msc.ClassMSC, msc.SubclassSCSI, msc.ProtocolBulkOnly)
		if err != nil {
			return err
		}
		s.device = d
		s.client = msc.New(d, iface, in, out)
		logger.Info("disk ready",
			"address", d.Address(),
			"speed", d.Speed(),
			"interface", iface)
		return work(gctx, s)
	})

	err = group.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// The bus stopped because work finished.
		return nil
	}
	return err
}
