package ftl

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Garbage collector
// ───────────────────────────────────────────────────────────────────────────
//
// A control goroutine scans the channels; flagged channels are collected
// by worker goroutines, bounded by the parallel-channel limit. A channel
// under collection is deactivated and the collector waits for in-flight
// host I/O to drain before touching blocks. Victims are the closed blocks
// with the highest invalid-sector counts; their valid sectors move to
// freshly provisioned pages, the mapping follows, and the emptied block
// returns to its channel provisioner.

// gcBusyWait is the pause between checks while a channel drains.
const gcBusyWait = time.Millisecond

type gcMgr struct {
	f    *AppFTL
	stop chan struct{}
	wg   sync.WaitGroup

	passes    atomic.Int64
	victims   atomic.Int64
	movedSecs atomic.Int64
}

func newGcMgr(f *AppFTL) *gcMgr {
	return &gcMgr{f: f, stop: make(chan struct{})}
}

func (gc *gcMgr) start() {
	gc.wg.Add(1)
	go gc.checkLoop()
}

func (gc *gcMgr) stopAll() {
	close(gc.stop)
	gc.wg.Wait()
}

// checkLoop is the control thread: it flags channels short on free blocks
// and dispatches workers for flagged channels in bounded batches.
func (gc *gcMgr) checkLoop() {
	defer gc.wg.Done()

	for {
		select {
		case <-gc.stop:
			return
		case <-time.After(gc.f.params.GCCheckInterval):
		}

		chans := gc.f.channelList()
		var flagged []*appChannel
		for _, lch := range chans {
			if !lch.gcNeeded() && lch.isActive() &&
				lch.prov.freeRatio() < gc.f.params.GCThresd {
				lch.setNeedGC(true)
			}
			if lch.gcNeeded() {
				flagged = append(flagged, lch)
			}
		}
		if len(flagged) == 0 {
			continue
		}

		var g errgroup.Group
		g.SetLimit(gc.f.params.GCParallelCh)
		for _, lch := range flagged {
			lch := lch
			g.Go(func() error {
				gc.runCh(lch)
				return nil
			})
		}
		_ = g.Wait()
	}
}

// runCh collects one channel: quiesce, pick victims, recycle, reactivate.
func (gc *gcMgr) runCh(lch *appChannel) {
	lch.setActive(false)
	for lch.busyCount() > 0 {
		select {
		case <-gc.stop:
			lch.setActive(true)
			return
		case <-time.After(gcBusyWait):
		}
	}

	gc.passes.Add(1)

	victims := gc.targetBlks(lch)
	for _, v := range victims {
		if err := gc.recycleBlk(lch, v); err != nil {
			log.Printf("[appnvm (gc): ch %d lun %d blk %d: %v]",
				lch.ch.ID, v.lun, v.blk, err)
			continue
		}
		gc.victims.Add(1)
	}

	lch.setNeedGC(false)
	lch.setActive(true)
}

// gcVictim is one candidate block.
type gcVictim struct {
	lun, blk int
	invalid  int
}

// targetBlks selects victim blocks: closed blocks bucketed by invalid
// count, emitted highest-first until the pass limit, the invalid floor,
// or the target-rate cutoff is reached.
func (gc *gcMgr) targetBlks(lch *appChannel) []gcVictim {
	g := lch.ch.Geo
	secsBlk := g.SecsPerBlk()

	free, used := lch.prov.counters()
	usedRate := 0.0
	if free+used > 0 {
		usedRate = float64(used) / float64(free+used)
	}

	// The fuller the channel, the lower the invalid floor a victim must
	// clear, down from the target rate as pressure rises.
	thresd := gc.f.params.GCThresd
	rate := gc.f.params.GCTargetRate
	minInvalid := float64(secsBlk) * rate *
		(1 - (usedRate-thresd)/(1-thresd))
	if max := float64(secsBlk) * rate; minInvalid > max {
		minInvalid = max
	}
	if minInvalid < 0 {
		minInvalid = 0
	}

	// Bucket closed blocks by invalid count.
	buckets := make([][]gcVictim, secsBlk+1)
	lch.bmd.mu.Lock()
	for lun := 0; lun < g.LunsPerCh; lun++ {
		row := lch.bmd.lunRow(lun)
		for blk := range row {
			e := &row[blk]
			if e.Flags&bmdUsed == 0 || e.Flags&bmdOpen != 0 {
				continue
			}
			if int(e.CurrentPg) < g.PgsPerBlk {
				continue
			}
			inv := int(e.InvalidSec)
			buckets[inv] = append(buckets[inv],
				gcVictim{lun: lun, blk: blk, invalid: inv})
		}
	}
	lch.bmd.mu.Unlock()

	var out []gcVictim
	for inv := secsBlk; inv >= 0; inv-- {
		if float64(inv) < minInvalid {
			break
		}
		if float64(inv)/float64(secsBlk) < rate {
			break
		}
		for _, v := range buckets[inv] {
			out = append(out, v)
			if len(out) == gc.f.params.GCMaxBlks {
				return out
			}
		}
	}
	return out
}

// gcSec is one sector lifted out of a victim block.
type gcSec struct {
	oob  nvm.SecOOB
	data []byte
	old  nvm.PPA
}

// recycleBlk copies the valid sectors of a victim block to freshly
// provisioned pages, re-binds the mapping, and returns the block to the
// channel provisioner. Any failure rolls every binding of this block
// back.
func (gc *gcMgr) recycleBlk(lch *appChannel, v gcVictim) error {
	g := lch.ch.Geo

	nsSecs, mapPgs, err := gc.readValid(lch, v)
	if err != nil {
		return err
	}

	if len(nsSecs) == 0 && len(mapPgs) == 0 {
		// Fully invalid: no data moves and no map changes.
		return lch.prov.putBlock(v.lun, v.blk)
	}

	// Layout: namespace sectors first, padded to a page boundary, then
	// the mapping pages aligned at the tail.
	secPl := g.SecPerPlPg()
	total := len(nsSecs)
	if total%secPl != 0 {
		total += secPl - total%secPl
	}
	npad := total - len(nsSecs)
	for i := 0; i < npad; i++ {
		nsSecs = append(nsSecs, gcSec{
			oob:  nvm.SecOOB{Typ: nvm.PgPadding},
			data: make([]byte, g.SecSize()),
		})
	}
	for _, mp := range mapPgs {
		nsSecs = append(nsSecs, mp...)
	}

	var done []gcUndo
	npgs := len(nsSecs) / secPl
	for pg := 0; pg < npgs; pg++ {
		page := nsSecs[pg*secPl : (pg+1)*secPl]
		undo, err := gc.movePage(lch, page)
		if err != nil {
			gc.rollback(append(done, undo...))
			return err
		}
		done = append(done, undo...)
	}

	for _, u := range done {
		if u.moved {
			gc.movedSecs.Add(1)
		}
	}

	return lch.prov.putBlock(v.lun, v.blk)
}

// readValid reads every valid sector of the block into memory, grouped
// into namespace sectors and whole map pages.
func (gc *gcMgr) readValid(lch *appChannel, v gcVictim) ([]gcSec, [][]gcSec, error) {
	g := lch.ch.Geo
	secSz := g.SecSize()

	var nsSecs []gcSec
	var mapPgs [][]gcSec

	buf := newPgIOBuf(g)
	for pg := 0; pg < g.PgsPerBlk; pg++ {
		// Skip pages with no valid sector.
		anyValid := false
		for pl := 0; pl < g.Planes && !anyValid; pl++ {
			for sec := 0; sec < g.SecsPerPg; sec++ {
				ppa := nvm.NewPPA(lch.id, v.lun, pl, v.blk, pg, sec)
				if !lch.bmd.secInvalid(ppa) {
					anyValid = true
					break
				}
			}
		}
		if !anyValid {
			continue
		}

		var pageMap []gcSec
		isMapPg := false

		for pl := 0; pl < g.Planes; pl++ {
			cmd := nvm.MediaCommand{
				PPA: nvm.NewPPA(0, v.lun, pl, v.blk, pg, 0),
			}
			buf.reset()
			if err := nvm.SyncIO(lch.ch, &cmd, buf.vecs[pl], nvm.CmdReadPg); err != nil {
				return nil, nil, fmt.Errorf("gc read pg %d pl %d: %w", pg, pl, err)
			}

			for sec := 0; sec < g.SecsPerPg; sec++ {
				ppa := nvm.NewPPA(lch.id, v.lun, pl, v.blk, pg, sec)
				if lch.bmd.secInvalid(ppa) {
					continue
				}
				rec := nvm.GetSecOOB(buf.planeOOB(pl), sec, g.SecOOBSize)
				if rec.Typ == nvm.PgPadding {
					continue
				}
				data := make([]byte, secSz)
				copy(data, buf.plane(pl)[sec*secSz:(sec+1)*secSz])
				s := gcSec{oob: rec, data: data, old: ppa}
				if rec.Typ == nvm.PgMap {
					isMapPg = true
					pageMap = append(pageMap, s)
				} else {
					nsSecs = append(nsSecs, s)
				}
			}
		}

		if isMapPg && len(pageMap) == g.SecPerPlPg() {
			mapPgs = append(mapPgs, pageMap)
		} else if isMapPg {
			// A partially valid map page cannot be moved whole; its
			// live copy is tracked by the directory, so drop it here.
			continue
		}
	}
	return nsSecs, mapPgs, nil
}

// gcUndo records one applied binding for rollback.
type gcUndo struct {
	isMap bool
	moved bool

	// namespace sector
	lba     uint64
	oldPPA  nvm.PPA
	newPPA  nvm.PPA

	// map page
	mdCh  int
	mdOff uint64
	mdOld nvm.PPA
}

// movePage provisions one page, writes the sector group, and applies the
// mapping updates for its sectors.
func (gc *gcMgr) movePage(lch *appChannel, page []gcSec) ([]gcUndo, error) {
	f := gc.f
	prov, err := f.glProv.getPPAList(1)
	if err != nil {
		return nil, err
	}
	defer f.glProv.freePPAList(prov)

	base := prov.ppas[0]
	dst := f.channel(base.Ch())
	if dst == nil {
		return nil, fmt.Errorf("gc: destination channel %d missing", base.Ch())
	}
	g := dst.ch.Geo
	secSz := g.SecSize()

	// Write the page plane by plane.
	for pl := 0; pl < g.Planes; pl++ {
		bufs := make([][]byte, g.SecsPerPg)
		oob := make([]byte, g.PgOOBSize())
		for sec := 0; sec < g.SecsPerPg; sec++ {
			s := page[pl*g.SecsPerPg+sec]
			bufs[sec] = s.data
			if len(s.data) != secSz {
				return nil, fmt.Errorf("gc: sector size mismatch")
			}
			nvm.PutSecOOB(oob, sec, g.SecOOBSize, s.oob)
		}
		cmd := nvm.MediaCommand{
			PPA:      base.WithPl(pl).WithSec(0),
			NSectors: g.SecsPerPg,
		}
		if err := nvm.SyncIOVec(dst.ch, &cmd, bufs, oob, nvm.CmdWritePg); err != nil {
			dst.prov.retire(base)
			return nil, fmt.Errorf("gc write %v: %w", base, err)
		}
	}

	// Apply mapping updates sector by sector.
	var done []gcUndo
	gm := f.gMap
	for i, s := range page {
		newPPA := prov.ppas[i]

		switch s.oob.Typ {
		case nvm.PgPadding:
			gc.invalidate(newPPA, InvSector)

		case nvm.PgNamespace:
			gm.nsMu.Lock()
			swapped, err := gm.upsertIf(s.oob.LBA, newPPA, s.old)
			gm.nsMu.Unlock()
			if err != nil {
				gc.invalidate(newPPA, InvSector)
				return done, err
			}
			if !swapped {
				// The host rewrote this sector mid-collection; the
				// fresh copy is stale.
				gc.invalidate(newPPA, InvSector)
				continue
			}
			done = append(done, gcUndo{
				lba: s.oob.LBA, oldPPA: s.old, newPPA: newPPA, moved: true,
			})

		case nvm.PgMap:
			// One meta upsert per map page, on its first sector.
			if i != 0 {
				continue
			}
			mdCh := int(s.oob.LBA % uint64(len(f.channelList())))
			mdOff := s.oob.LBA / uint64(len(f.channelList()))
			mlch := f.channel(mdCh)
			if mlch == nil {
				return done, fmt.Errorf("gc: map channel %d missing", mdCh)
			}
			old, err := mlch.mapMD.upsertMD(mdOff, newPPA.WithSec(0).WithPl(0))
			if err != nil {
				return done, err
			}
			done = append(done, gcUndo{
				isMap: true, mdCh: mdCh, mdOff: mdOff, mdOld: old,
				newPPA: newPPA, moved: true,
			})
		}
	}
	return done, nil
}

// rollback restores the mapping state recorded in done, newest first, and
// invalidates the fresh copies.
func (gc *gcMgr) rollback(done []gcUndo) {
	gm := gc.f.gMap
	for i := len(done) - 1; i >= 0; i-- {
		u := done[i]
		if u.isMap {
			lch := gc.f.channel(u.mdCh)
			if lch != nil {
				if _, err := lch.mapMD.upsertMD(u.mdOff, u.mdOld); err != nil {
					log.Printf("[appnvm (gc): rollback map md: %v]", err)
				}
			}
			gc.invalidate(u.newPPA, InvPage)
			continue
		}
		// Restore only while our binding is still current; a host write
		// that landed meanwhile wins.
		gm.nsMu.Lock()
		if _, err := gm.upsertIf(u.lba, u.oldPPA, u.newPPA); err != nil {
			log.Printf("[appnvm (gc): rollback lba %d: %v]", u.lba, err)
		}
		gm.nsMu.Unlock()
		gc.invalidate(u.newPPA, InvSector)
	}
}

func (gc *gcMgr) invalidate(ppa nvm.PPA, gran InvGran) {
	if lch := gc.f.channel(ppa.Ch()); lch != nil {
		if err := lch.bmd.invalidate(ppa, gran); err != nil {
			log.Printf("[appnvm (gc): invalidate %v: %v]", ppa, err)
		}
	}
}
