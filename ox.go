// Package oxnvm exposes an Open-Channel SSD controller as a library: a
// block device backed by raw NAND-style media, with address translation,
// wear-aware allocation, bad-block tracking, and garbage collection
// handled by the embedded Application FTL.
//
// The default media back-end is the volatile RAM emulator; the host-side
// surface is a plain sector read/write API:
//
//	ctrl, err := oxnvm.Open(nil)
//	if err != nil { ... }
//	defer ctrl.Close()
//
//	err = ctrl.Write(0, data)             // len(data) = n × sector size
//	buf, err := ctrl.Read(0, 1)           // one sector
package oxnvm

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/openchannelio/oxnvm/internal/config"
	"github.com/openchannelio/oxnvm/internal/controller"
	"github.com/openchannelio/oxnvm/internal/ftl"
	"github.com/openchannelio/oxnvm/internal/nvm"
	"github.com/openchannelio/oxnvm/internal/volt"
)

// hostTimeout bounds one host command end to end.
const hostTimeout = 30 * time.Second

// Controller is an open controller instance.
type Controller struct {
	core  *controller.Core
	app   *ftl.AppFTL
	media *volt.Volt
	cfg   *config.Config
	secSz int
}

// Open brings up a controller over the RAM media manager. A nil config
// uses the defaults.
func Open(cfg *config.Config) (*Controller, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	core := controller.New(cfg.QueueSize)
	app := ftl.New(paramsOf(cfg), core.CompleteFTL)

	media, err := volt.New(volt.Config{Geo: geoOf(cfg)}, nvm.Callback)
	if err != nil {
		return nil, err
	}

	if err := core.RegisterMM(media); err != nil {
		media.Exit()
		return nil, err
	}
	if err := core.RegisterFTL(app); err != nil {
		media.Exit()
		return nil, err
	}
	if err := core.Config(); err != nil {
		core.Close()
		return nil, err
	}
	if err := core.StartCheckpoint(cfg.CheckpointSpec, app.Checkpoint); err != nil {
		core.Close()
		return nil, err
	}

	return &Controller{
		core:  core,
		app:   app,
		media: media,
		cfg:   cfg,
		secSz: core.SectorSize(),
	}, nil
}

// SectorSize returns the host-visible sector size in bytes.
func (c *Controller) SectorSize() int { return c.secSz }

// NamespaceSectors returns the number of addressable sectors.
func (c *Controller) NamespaceSectors() uint64 { return c.core.NamespaceSectors() }

// Serial returns the controller serial id.
func (c *Controller) Serial() string { return c.core.Serial.String() }

// Exporter returns a Prometheus collector over the controller and FTL
// counters.
func (c *Controller) Exporter() prometheus.Collector {
	return controller.NewExporter(c.core, c.app)
}

// Write stores data starting at the given logical sector. The length
// must be a whole number of sectors.
func (c *Controller) Write(lba uint64, data []byte) error {
	if len(data) == 0 || len(data)%c.secSz != 0 {
		return fmt.Errorf("oxnvm: write length %d not sector aligned", len(data))
	}
	nsec := len(data) / c.secSz

	for off := 0; off < nsec; off += nvm.MaxSectors {
		n := nsec - off
		if n > nvm.MaxSectors {
			n = nvm.MaxSectors
		}
		bufs := make([][]byte, n)
		for i := 0; i < n; i++ {
			s := (off + i) * c.secSz
			bufs[i] = data[s : s+c.secSz]
		}
		if err := c.submitWait(nvm.CmdWritePg, lba+uint64(off), bufs); err != nil {
			return err
		}
	}
	return nil
}

// Read returns nsec sectors starting at the given logical sector.
// Sectors never written read as zeroes.
func (c *Controller) Read(lba uint64, nsec int) ([]byte, error) {
	if nsec < 1 {
		return nil, fmt.Errorf("oxnvm: read of %d sectors", nsec)
	}
	out := make([]byte, nsec*c.secSz)

	for off := 0; off < nsec; off += nvm.MaxSectors {
		n := nsec - off
		if n > nvm.MaxSectors {
			n = nvm.MaxSectors
		}
		bufs := make([][]byte, n)
		for i := 0; i < n; i++ {
			s := (off + i) * c.secSz
			bufs[i] = out[s : s+c.secSz]
		}
		if err := c.submitWait(nvm.CmdReadPg, lba+uint64(off), bufs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// submitWait issues one host command and blocks for its completion.
func (c *Controller) submitWait(typ nvm.CmdType, lba uint64, bufs [][]byte) error {
	done := make(chan uint16, 1)
	cmd := &nvm.IOCommand{
		Type:  typ,
		SLBA:  lba,
		NSec:  len(bufs),
		SecSz: c.secSz,
		Req:   &controller.HostRequest{Done: func(st uint16) { done <- st }},
	}
	copy(cmd.Prps[:], bufs)

	c.core.SubmitIO(cmd)

	select {
	case st := <-done:
		if st != nvm.NVMeSuccess {
			return fmt.Errorf("oxnvm: command failed: nvme status 0x%x", st)
		}
		return nil
	case <-time.After(hostTimeout):
		return fmt.Errorf("oxnvm: command timed out: lba %d", lba)
	}
}

// Checkpoint forces a metadata flush of every channel.
func (c *Controller) Checkpoint() error { return c.app.Checkpoint() }

// Close checkpoints and tears the stack down.
func (c *Controller) Close() {
	c.core.Close()
}

func geoOf(cfg *config.Config) nvm.Geometry {
	return nvm.Geometry{
		Channels:   cfg.Geometry.Channels,
		LunsPerCh:  cfg.Geometry.LunsPerCh,
		BlksPerLun: cfg.Geometry.BlksPerLun,
		PgsPerBlk:  cfg.Geometry.PgsPerBlk,
		Planes:     cfg.Geometry.Planes,
		SecsPerPg:  cfg.Geometry.SecsPerPg,
		PgSize:     cfg.Geometry.PgSize,
		SecOOBSize: cfg.Geometry.SecOOBSize,
	}
}

func paramsOf(cfg *config.Config) ftl.Params {
	return ftl.Params{
		GCThresd:        cfg.GC.Thresd,
		GCTargetRate:    cfg.GC.TargetRate,
		GCMaxBlks:       cfg.GC.MaxBlks,
		GCParallelCh:    cfg.GC.ParallelCh,
		GCCheckInterval: time.Duration(cfg.GC.CheckIntervalUS) * time.Microsecond,
		MapBufChPgs:     cfg.MapBufChPgs,
		MapBufPgSz:      cfg.MapBufPgSz,
		LBAIOEntries:    cfg.LBAIOEntries,
		FlushRetry:      cfg.FlushRetry,
		Queues:          cfg.FTLQueues,
	}
}
