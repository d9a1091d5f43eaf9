// Package volt is a volatile media manager: a RAM-backed NAND emulator
// implementing the nvm.MediaManager contract. It keeps one byte array per
// (channel, LUN, block, plane) holding page data plus out-of-band bytes,
// executes commands on a dedicated I/O goroutine, and completes them
// asynchronously through the controller callback.
//
// Tests use the failure-injection hooks to emulate grown-bad blocks and
// mid-write media errors.
package volt

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// DefaultQueueDepth bounds the emulated device queue.
const DefaultQueueDepth = 4096

// Config parameterizes the emulator.
type Config struct {
	Geo     nvm.Geometry
	RsvBlks int           // blocks per LUN reserved for the manager (default 1)
	Delay   time.Duration // artificial latency per operation
	Depth   int           // I/O queue depth
}

// Volt is the RAM NAND emulator.
type Volt struct {
	cfg      Config
	geo      nvm.Geometry
	callback func(*nvm.MediaCommand)

	blocks [][]byte // per (ch,lun,blk,pl): pgs × (pgSize + pgOOB)

	infoMu sync.Mutex
	chInfo []nvm.ChannelInfo

	hookMu    sync.Mutex
	failWrite func(nvm.PPA) bool
	failErase func(nvm.PPA) bool

	ioq  chan *nvm.MediaCommand
	stop chan struct{}
	wg   sync.WaitGroup

	reads  atomic.Int64
	writes atomic.Int64
	erases atomic.Int64
}

// New allocates the emulated media and starts the I/O goroutine. The
// callback receives every completed command.
func New(cfg Config, callback func(*nvm.MediaCommand)) (*Volt, error) {
	if err := cfg.Geo.Validate(); err != nil {
		return nil, errors.Wrap(err, "volt")
	}
	if cfg.RsvBlks == 0 {
		cfg.RsvBlks = 1
	}
	if cfg.Depth == 0 {
		cfg.Depth = DefaultQueueDepth
	}
	if callback == nil {
		return nil, errors.New("volt: nil completion callback")
	}

	g := cfg.Geo
	v := &Volt{
		cfg:      cfg,
		geo:      g,
		callback: callback,
		chInfo:   make([]nvm.ChannelInfo, g.Channels),
		ioq:      make(chan *nvm.MediaCommand, cfg.Depth),
		stop:     make(chan struct{}),
	}

	nblk := g.Channels * g.LunsPerCh * g.BlksPerLun * g.Planes
	blkSz := g.PgsPerBlk * (g.PgSize + g.PgOOBSize())
	v.blocks = make([][]byte, nblk)
	for i := range v.blocks {
		v.blocks[i] = make([]byte, blkSz)
	}

	v.wg.Add(1)
	go v.ioThread()

	return v, nil
}

// Name implements nvm.MediaManager.
func (v *Volt) Name() string { return "VOLT" }

// Geometry implements nvm.MediaManager.
func (v *Volt) Geometry() *nvm.Geometry { return &v.geo }

// RsvBlkCount implements nvm.MediaManager.
func (v *Volt) RsvBlkCount() int { return v.cfg.RsvBlks }

// GetChInfo implements nvm.MediaManager.
func (v *Volt) GetChInfo(n int) ([]nvm.ChannelInfo, error) {
	if n > v.geo.Channels {
		return nil, errors.Errorf("volt: %d channels requested, %d present", n, v.geo.Channels)
	}
	v.infoMu.Lock()
	defer v.infoMu.Unlock()
	out := make([]nvm.ChannelInfo, n)
	copy(out, v.chInfo[:n])
	return out, nil
}

// SetChInfo implements nvm.MediaManager.
func (v *Volt) SetChInfo(idx int, info nvm.ChannelInfo) error {
	if idx < 0 || idx >= v.geo.Channels {
		return errors.Errorf("volt: channel %d out of range", idx)
	}
	v.infoMu.Lock()
	v.chInfo[idx] = info
	v.infoMu.Unlock()
	return nil
}

// FailNextWrite installs a write failure predicate; a nil predicate
// removes the hook.
func (v *Volt) FailNextWrite(fn func(nvm.PPA) bool) {
	v.hookMu.Lock()
	v.failWrite = fn
	v.hookMu.Unlock()
}

// FailNextErase installs an erase failure predicate.
func (v *Volt) FailNextErase(fn func(nvm.PPA) bool) {
	v.hookMu.Lock()
	v.failErase = fn
	v.hookMu.Unlock()
}

// Counters returns the executed read/write/erase totals.
func (v *Volt) Counters() (reads, writes, erases int64) {
	return v.reads.Load(), v.writes.Load(), v.erases.Load()
}

// ReadPg implements nvm.MediaManager.
func (v *Volt) ReadPg(cmd *nvm.MediaCommand) error { return v.enqueue(cmd) }

// WritePg implements nvm.MediaManager.
func (v *Volt) WritePg(cmd *nvm.MediaCommand) error { return v.enqueue(cmd) }

// EraseBlk implements nvm.MediaManager.
func (v *Volt) EraseBlk(cmd *nvm.MediaCommand) error { return v.enqueue(cmd) }

// Exit stops the I/O goroutine and drops the media arrays.
func (v *Volt) Exit() {
	close(v.stop)
	v.wg.Wait()
	v.blocks = nil
}

func (v *Volt) enqueue(cmd *nvm.MediaCommand) error {
	select {
	case v.ioq <- cmd:
		return nil
	default:
		return errors.New("volt: device queue full")
	}
}

// ───────────────────────────────────────────────────────────────────────────
// I/O execution
// ───────────────────────────────────────────────────────────────────────────

func (v *Volt) ioThread() {
	defer v.wg.Done()
	for {
		select {
		case <-v.stop:
			// Drain what is already queued so waiters are released.
			for {
				select {
				case cmd := <-v.ioq:
					v.execute(cmd)
				default:
					return
				}
			}
		case cmd := <-v.ioq:
			v.execute(cmd)
		}
	}
}

func (v *Volt) execute(cmd *nvm.MediaCommand) {
	if v.cfg.Delay > 0 {
		time.Sleep(v.cfg.Delay)
	}

	var err error
	switch cmd.Type {
	case nvm.CmdReadPg:
		v.reads.Add(1)
		err = v.doRead(cmd)
	case nvm.CmdWritePg:
		v.writes.Add(1)
		err = v.doWrite(cmd)
	case nvm.CmdEraseBlk:
		v.erases.Add(1)
		err = v.doErase(cmd)
	default:
		err = nvm.ErrBadCmdType
	}

	if err != nil {
		cmd.Status = nvm.IOFail
	} else {
		cmd.Status = nvm.IOSuccess
	}
	v.callback(cmd)
}

// blockAt resolves the storage array of a PPA's (ch, lun, blk, pl).
func (v *Volt) blockAt(p nvm.PPA) ([]byte, error) {
	g := &v.geo
	ch, lun, blk, pl := p.Ch(), p.Lun(), p.Blk(), p.Pl()
	if ch >= g.Channels || lun >= g.LunsPerCh || blk >= g.BlksPerLun || pl >= g.Planes {
		return nil, errors.Errorf("volt: address out of bounds: %v", p)
	}
	idx := ((ch*g.LunsPerCh+lun)*g.BlksPerLun+blk)*g.Planes + pl
	return v.blocks[idx], nil
}

func (v *Volt) pageAt(p nvm.PPA) ([]byte, error) {
	g := &v.geo
	if p.Pg() >= g.PgsPerBlk {
		return nil, errors.Errorf("volt: page out of bounds: %v", p)
	}
	blk, err := v.blockAt(p)
	if err != nil {
		return nil, err
	}
	pgSz := g.PgSize + g.PgOOBSize()
	return blk[p.Pg()*pgSz : (p.Pg()+1)*pgSz], nil
}

func (v *Volt) doRead(cmd *nvm.MediaCommand) error {
	pg, err := v.pageAt(cmd.PPA)
	if err != nil {
		return err
	}
	secSz := cmd.SecSz
	if secSz == 0 {
		secSz = v.geo.SecSize()
	}
	for i, buf := range cmd.Bufs {
		if buf == nil {
			continue
		}
		copy(buf, pg[i*secSz:(i+1)*secSz])
	}
	if cmd.OOB != nil {
		copy(cmd.OOB, pg[v.geo.PgSize:])
	}
	return nil
}

func (v *Volt) doWrite(cmd *nvm.MediaCommand) error {
	v.hookMu.Lock()
	fail := v.failWrite
	v.hookMu.Unlock()
	if fail != nil && fail(cmd.PPA) {
		return errors.Errorf("volt: injected write failure at %v", cmd.PPA)
	}

	pg, err := v.pageAt(cmd.PPA)
	if err != nil {
		return err
	}
	secSz := cmd.SecSz
	if secSz == 0 {
		secSz = v.geo.SecSize()
	}
	for i, buf := range cmd.Bufs {
		if buf == nil {
			continue
		}
		copy(pg[i*secSz:(i+1)*secSz], buf)
	}
	if cmd.OOB != nil {
		copy(pg[v.geo.PgSize:], cmd.OOB)
	}
	return nil
}

func (v *Volt) doErase(cmd *nvm.MediaCommand) error {
	v.hookMu.Lock()
	fail := v.failErase
	v.hookMu.Unlock()
	if fail != nil && fail(cmd.PPA) {
		return errors.Errorf("volt: injected erase failure at %v", cmd.PPA)
	}

	blk, err := v.blockAt(cmd.PPA)
	if err != nil {
		return err
	}
	for i := range blk {
		blk[i] = 0
	}
	return nil
}
