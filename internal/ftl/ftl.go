// Package ftl implements the Application FTL: per-channel bad-block and
// block-metadata tables, channel and global provisioners, the paged global
// mapping table, the LBA I/O scheduler, and the garbage collector.
//
// The FTL owns the media between the controller's multi-queue and the
// media managers. Host sectors enter through SubmitIO, are batched into
// multi-plane page operations, and complete back through the controller
// callback once the mapping table has been updated.
package ftl

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// FTLID identifies the Application FTL in channel info records.
const FTLID uint8 = 0x2

// GlobalFn is the capability function id for global init/exit.
const GlobalFn uint16 = 0x0

var (
	ErrNoAvailableBlock = errors.New("ftl: no available block")
	ErrNoActiveChannel  = errors.New("ftl: no active channel")
	ErrNotStarted       = errors.New("ftl: global components not started")
)

// Params carries the FTL tunables.
type Params struct {
	GCThresd        float64
	GCTargetRate    float64
	GCMaxBlks       int
	GCParallelCh    int
	GCCheckInterval time.Duration

	MapBufChPgs int
	MapBufPgSz  int

	LBAIOEntries int
	FlushRetry   int
	Queues       int
}

// DefaultParams mirrors the built-in configuration.
func DefaultParams() Params {
	return Params{
		GCThresd:        0.25,
		GCTargetRate:    0.3,
		GCMaxBlks:       50,
		GCParallelCh:    3,
		GCCheckInterval: 10 * time.Millisecond,
		MapBufChPgs:     10,
		MapBufPgSz:      32 * 1024,
		LBAIOEntries:    64,
		FlushRetry:      3,
		Queues:          8,
	}
}

// AppFTL is the Application FTL instance.
type AppFTL struct {
	params Params

	mu       sync.Mutex
	channels []*appChannel
	started  bool

	glProv *glProv
	gMap   *glMap
	lbaIO  *lbaIO
	gc     *gcMgr

	// complete delivers a finished host command back to the controller.
	complete func(*nvm.IOCommand)
}

// New creates the FTL. The complete callback receives every host command
// once the FTL is done with it.
func New(params Params, complete func(*nvm.IOCommand)) *AppFTL {
	if params.Queues < 2 {
		params.Queues = DefaultParams().Queues
	}
	return &AppFTL{params: params, complete: complete}
}

// ID implements nvm.FTL.
func (f *AppFTL) ID() uint8 { return FTLID }

// Name implements nvm.FTL.
func (f *AppFTL) Name() string { return "APPNVM" }

// Queues implements nvm.FTL.
func (f *AppFTL) Queues() int { return f.params.Queues }

// Cap implements nvm.FTL.
func (f *AppFTL) Cap() uint32 {
	return nvm.CapGetBBT | nvm.CapSetBBT | nvm.CapInitFn | nvm.CapExitFn
}

// InitCh implements nvm.FTL: builds the per-channel tables and provisioner
// and sizes the channel's namespace share.
func (f *AppFTL) InitCh(ch *nvm.Channel) error {
	f.mu.Lock()
	id := len(f.channels)
	f.mu.Unlock()

	lch, err := newAppChannel(f, ch, id)
	if err != nil {
		return fmt.Errorf("ftl: channel %d init: %w", ch.ID, err)
	}

	f.mu.Lock()
	f.channels = append(f.channels, lch)
	f.mu.Unlock()

	lch.setActive(true)
	lch.setNeedGC(false)

	log.Printf("[appnvm: channel %d started with %d bad blocks]",
		ch.ID, lch.bbt.bbCount)
	return nil
}

// SubmitIO implements nvm.FTL.
func (f *AppFTL) SubmitIO(cmd *nvm.IOCommand) error {
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if !started {
		return ErrNotStarted
	}

	// Commands arriving with resolved physical addresses bypass the LBA
	// scheduler and hit the media directly.
	if cmd.PPAList[0] != 0 {
		cmd.Done = func(done *nvm.IOCommand) { f.complete(done) }
		return ppaSubmit(f, cmd)
	}

	return f.lbaIO.submit(cmd)
}

// CallbackIO implements nvm.FTL: media completions of the data path.
func (f *AppFTL) CallbackIO(mc *nvm.MediaCommand) {
	f.ppaCallback(mc)
}

// GetBBT implements nvm.FTL: copies one LUN's bad-block row.
func (f *AppFTL) GetBBT(ppa nvm.PPA, buf []byte) error {
	lch := f.channel(ppa.Ch())
	if lch == nil {
		return fmt.Errorf("ftl: no channel %d", ppa.Ch())
	}
	row := lch.bbt.lunRow(ppa.Lun())
	if len(buf) < len(row) {
		return fmt.Errorf("ftl: bbt buffer too small: %d < %d", len(buf), len(row))
	}
	copy(buf, row)
	return nil
}

// SetBBT implements nvm.FTL: marks one (block, plane) and flushes the
// table when the value changed.
func (f *AppFTL) SetBBT(ppa nvm.PPA, value uint8) error {
	lch := f.channel(ppa.Ch())
	if lch == nil {
		return fmt.Errorf("ftl: no channel %d", ppa.Ch())
	}
	changed, err := lch.bbt.mark(ppa, value)
	if err != nil {
		return err
	}
	if changed {
		if err := lch.bbt.flush(lch); err != nil {
			log.Printf("[ftl: error flushing bad block table: %v]", err)
		}
	}
	return nil
}

// InitFn implements nvm.FTL; GlobalFn brings up the cross-channel
// components once every channel is configured.
func (f *AppFTL) InitFn(fnID uint16, _ interface{}) error {
	switch fnID {
	case GlobalFn:
		return f.globalInit()
	default:
		return fmt.Errorf("ftl: unknown init function %d", fnID)
	}
}

// ExitFn implements nvm.FTL.
func (f *AppFTL) ExitFn(fnID uint16) {
	if fnID == GlobalFn {
		f.globalExit()
	}
}

// Exit implements nvm.FTL: quiesces channels and persists their metadata.
func (f *AppFTL) Exit() {
	f.mu.Lock()
	chans := append([]*appChannel(nil), f.channels...)
	f.mu.Unlock()

	for _, lch := range chans {
		for retry := 0; lch.busyCount() > 0 && retry < 200; retry++ {
			time.Sleep(5 * time.Millisecond)
		}
		if err := lch.checkpoint(f.params.FlushRetry); err != nil {
			log.Printf("[appnvm: metadata not flushed, channel %d: %v]",
				lch.ch.ID, err)
		}
	}
}

// Checkpoint persists every channel's dirty map pages and metadata tables.
func (f *AppFTL) Checkpoint() error {
	f.mu.Lock()
	started := f.started
	chans := append([]*appChannel(nil), f.channels...)
	f.mu.Unlock()

	if started {
		if err := f.gMap.flushCaches(); err != nil {
			return err
		}
	}
	for _, lch := range chans {
		if err := lch.checkpoint(f.params.FlushRetry); err != nil {
			return err
		}
	}
	return nil
}

func (f *AppFTL) globalInit() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.started {
		return nil
	}
	if len(f.channels) == 0 {
		return ErrNoActiveChannel
	}

	f.glProv = newGlProv(f)
	var err error
	if f.gMap, err = newGlMap(f); err != nil {
		return err
	}
	if f.lbaIO, err = newLbaIO(f); err != nil {
		return err
	}
	f.gc = newGcMgr(f)
	f.gc.start()

	f.started = true
	log.Printf("[appnvm: global components started, %d channels]", len(f.channels))
	return nil
}

func (f *AppFTL) globalExit() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	f.mu.Unlock()

	f.gc.stopAll()
	f.lbaIO.exit()
	if err := f.gMap.exit(); err != nil {
		log.Printf("[appnvm: map cache not fully persisted: %v]", err)
	}
}

func (f *AppFTL) channel(id int) *appChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id < 0 || id >= len(f.channels) {
		return nil
	}
	return f.channels[id]
}

func (f *AppFTL) channelList() []*appChannel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*appChannel(nil), f.channels...)
}

// Stats aggregates counters for the metrics exporter.
type Stats struct {
	Channels    int
	FreeBlocks  []int
	UsedBlocks  []int
	GCPasses    int64
	GCVictims   int64
	GCMovedSecs int64
}

// FreeUsedBlocks reports per-channel block counts for the exporter.
func (f *AppFTL) FreeUsedBlocks() (free []int, used []int) {
	for _, lch := range f.channelList() {
		fr, us := lch.prov.counters()
		free = append(free, fr)
		used = append(used, us)
	}
	return free, used
}

// GCCounters reports collector totals for the exporter.
func (f *AppFTL) GCCounters() (passes, victims, movedSecs int64) {
	if f.gc == nil {
		return 0, 0, 0
	}
	return f.gc.passes.Load(), f.gc.victims.Load(), f.gc.movedSecs.Load()
}

// Snapshot returns current FTL counters.
func (f *AppFTL) Snapshot() Stats {
	chans := f.channelList()
	st := Stats{Channels: len(chans)}
	for _, lch := range chans {
		free, used := lch.prov.counters()
		st.FreeBlocks = append(st.FreeBlocks, free)
		st.UsedBlocks = append(st.UsedBlocks, used)
	}
	if f.gc != nil {
		st.GCPasses = f.gc.passes.Load()
		st.GCVictims = f.gc.victims.Load()
		st.GCMovedSecs = f.gc.movedSecs.Load()
	}
	return st
}
