package ftl

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// Reserved-block layout inside the FTL reservation (offsets after the
// media manager's own reserved blocks, LUN 0).
const (
	rsvBBTOff  = 0 // bad-block table block
	rsvMetaOff = 1 // block-metadata table block
	rsvMapOff  = 2 // mapping-directory block
	ftlRsvBlks = 3
)

// nsRatio is the share of good data pages exposed as namespace capacity;
// the remainder is overprovisioning for the garbage collector.
const nsRatio = 0.9

// appChannel binds one controller channel to the FTL's per-channel state:
// the bad-block table, the block metadata, the mapping directory, the
// channel provisioner, and the activity flags the global layers consult.
type appChannel struct {
	f  *AppFTL
	id int // index into the FTL channel list; equals PPA channel field
	ch *nvm.Channel

	bbtBlk  int
	metaBlk int
	mapBlk  int

	bbt   *badBlockTbl
	bmd   *blockMeta
	mapMD *mapDir
	prov  *chProv

	rng *rand.Rand

	busy   atomic.Int32
	flagMu sync.Mutex
	active bool
	needGC bool
}

func newAppChannel(f *AppFTL, ch *nvm.Channel, id int) (*appChannel, error) {
	lch := &appChannel{
		f:  f,
		id: id,
		ch: ch,
		// Seeded per channel so the randomized wear distribution is
		// reproducible.
		rng: rand.New(rand.NewSource(int64(0x0c51f00d + id))),
	}

	if err := lch.reserveBlks(); err != nil {
		return nil, err
	}
	if err := lch.initBBT(); err != nil {
		return nil, fmt.Errorf("bad-block table: %w", err)
	}
	if err := lch.initBMD(); err != nil {
		return nil, fmt.Errorf("block metadata: %w", err)
	}
	if err := lch.initMapMD(); err != nil {
		return nil, fmt.Errorf("mapping directory: %w", err)
	}

	var err error
	if lch.prov, err = newChProv(lch); err != nil {
		return nil, fmt.Errorf("provisioner: %w", err)
	}

	lch.sizeNamespace()
	return lch, nil
}

// reserveBlks claims the FTL metadata blocks right after the media
// manager's reservation in LUN 0 and publishes them on the channel.
func (lch *appChannel) reserveBlks() error {
	ch := lch.ch
	g := ch.Geo

	ch.FTLRsv = ftlRsvBlks
	if ch.MmgrRsv+ch.FTLRsv > g.BlksPerLun {
		return fmt.Errorf("ftl: %d reserved blocks exceed %d per LUN",
			ch.MmgrRsv+ch.FTLRsv, g.BlksPerLun)
	}

	ch.FTLRsvList = ch.FTLRsvList[:0]
	for n := 0; n < ch.FTLRsv; n++ {
		for pl := 0; pl < g.Planes; pl++ {
			ch.FTLRsvList = append(ch.FTLRsvList,
				nvm.NewPPA(ch.MmgrID, 0, pl, ch.MmgrRsv+n, 0, 0))
		}
	}

	lch.bbtBlk = ch.MmgrRsv + rsvBBTOff
	lch.metaBlk = ch.MmgrRsv + rsvMetaOff
	lch.mapBlk = ch.MmgrRsv + rsvMapOff
	return nil
}

func (lch *appChannel) initBBT() error {
	lch.bbt = newBadBlockTbl(lch.ch.Geo)
	if err := lch.bbt.load(lch); err != nil {
		return err
	}
	// A fresh reserved block means no table exists yet: create one in
	// emergency mode and persist it.
	if lch.bbt.magic == tblMagic {
		if err := lch.bbt.create(lch, BBTEmergency); err != nil {
			return err
		}
		if err := lch.bbt.flush(lch); err != nil {
			return err
		}
	}
	return nil
}

func (lch *appChannel) initBMD() error {
	lch.bmd = newBlockMeta(lch.ch.Geo, lch.id)
	if err := lch.bmd.load(lch); err != nil {
		return err
	}
	if lch.bmd.magic == tblMagic {
		lch.bmd.create()
		if err := lch.bmd.flush(lch); err != nil {
			return err
		}
	}
	return nil
}

func (lch *appChannel) initMapMD() error {
	lch.mapMD = newMapDir(lch)
	if err := lch.mapMD.load(lch); err != nil {
		return err
	}
	if lch.mapMD.magic == tblMagic {
		lch.mapMD.create()
		if err := lch.mapMD.flush(lch); err != nil {
			return err
		}
	}
	return nil
}

// sizeNamespace exposes a share of the channel's good data blocks as
// namespace pages; the rest is GC headroom.
func (lch *appChannel) sizeNamespace() {
	g := lch.ch.Geo
	good := 0
	for lun := 0; lun < g.LunsPerCh; lun++ {
		row := lch.bbt.lunRow(lun)
		for blk := 0; blk < g.BlksPerLun; blk++ {
			bad := false
			for pl := 0; pl < g.Planes; pl++ {
				if row[blk*g.Planes+pl] != BBTFree {
					bad = true
					break
				}
			}
			if !bad {
				good++
			}
		}
	}
	pgs := uint64(float64(good*g.PgsPerBlk*g.Planes) * nsRatio)
	lch.ch.NsPgs = pgs
}

// checkpoint persists the channel tables with bounded retries.
func (lch *appChannel) checkpoint(retries int) error {
	var err error
	for r := 0; r < retries; r++ {
		if err = lch.bmd.flush(lch); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("ftl: bmd flush ch %d: %w", lch.ch.ID, err)
	}
	for r := 0; r < retries; r++ {
		if err = lch.mapMD.flush(lch); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("ftl: map directory flush ch %d: %w", lch.ch.ID, err)
	}
	for r := 0; r < retries; r++ {
		if err = lch.bbt.flush(lch); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("ftl: bbt flush ch %d: %w", lch.ch.ID, err)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Activity flags
// ───────────────────────────────────────────────────────────────────────────
//
// A channel may only be disabled for collection once its busy count drains
// to zero. Writers take a busy reference with the double-check pattern:
// increment, re-verify active, back off if the channel went away.

func (lch *appChannel) isActive() bool {
	lch.flagMu.Lock()
	defer lch.flagMu.Unlock()
	return lch.active
}

func (lch *appChannel) setActive(v bool) {
	lch.flagMu.Lock()
	lch.active = v
	lch.flagMu.Unlock()
}

func (lch *appChannel) gcNeeded() bool {
	lch.flagMu.Lock()
	defer lch.flagMu.Unlock()
	return lch.needGC
}

func (lch *appChannel) setNeedGC(v bool) {
	lch.flagMu.Lock()
	lch.needGC = v
	lch.flagMu.Unlock()
}

// tryBusy takes a busy reference if the channel is active.
func (lch *appChannel) tryBusy() bool {
	if !lch.isActive() {
		return false
	}
	lch.busy.Add(1)
	if !lch.isActive() {
		lch.busy.Add(-1)
		return false
	}
	return true
}

func (lch *appChannel) releaseBusy() { lch.busy.Add(-1) }

func (lch *appChannel) busyCount() int { return int(lch.busy.Load()) }
