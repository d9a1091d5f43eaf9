package ftl

import (
	"log"
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Channel provisioner
// ───────────────────────────────────────────────────────────────────────────
//
// Serves free blocks for writes and accepts blocks back after collection,
// per LUN, with erase-on-acquire and bad-block filtering. Fresh blocks are
// inserted at random free-list positions so wear starts distributed; the
// seeded channel RNG keeps the layout reproducible.

// provBlk is the provisioner's view of one multi-plane block.
type provBlk struct {
	lun, blk int
	md       *bmdEntry
}

// provLun holds one LUN's block lists under the LUN mutex. The free list
// is a FIFO (head is next to serve); used tracks every taken block; open
// tracks blocks still accepting writes.
type provLun struct {
	mu   sync.Mutex
	free []*provBlk
	used []*provBlk
	open []*provBlk
}

type chProv struct {
	lch  *appChannel
	luns []provLun

	curMu  sync.Mutex
	curLun int // rotates page allocation across LUNs
}

func newChProv(lch *appChannel) (*chProv, error) {
	g := lch.ch.Geo
	p := &chProv{lch: lch, luns: make([]provLun, g.LunsPerCh)}

	for lun := 0; lun < g.LunsPerCh; lun++ {
		l := &p.luns[lun]
		for blk := 0; blk < g.BlksPerLun; blk++ {
			if lch.bbt.isBad(lun, blk) {
				continue
			}
			vblk := &provBlk{lun: lun, blk: blk, md: lch.bmd.entry(lun, blk)}

			if vblk.md.Flags&bmdUsed != 0 {
				l.used = append(l.used, vblk)
				if vblk.md.Flags&bmdOpen != 0 {
					l.open = append(l.open, vblk)
				}
				continue
			}

			// Random insert position for the initial wear spread.
			pos := 0
			if len(l.free) > 0 {
				pos = lch.rng.Intn(len(l.free) + 1)
			}
			l.free = append(l.free, nil)
			copy(l.free[pos+1:], l.free[pos:])
			l.free[pos] = vblk
		}
	}
	return p, nil
}

func removeBlk(list *[]*provBlk, b *provBlk) {
	for i, x := range *list {
		if x == b {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

// counters returns the channel-wide free and used block counts.
func (p *chProv) counters() (free, used int) {
	for i := range p.luns {
		l := &p.luns[i]
		l.mu.Lock()
		free += len(l.free)
		used += len(l.used)
		l.mu.Unlock()
	}
	return free, used
}

// freeRatio is the fraction of non-bad blocks still free.
func (p *chProv) freeRatio() float64 {
	free, used := p.counters()
	if free+used == 0 {
		return 0
	}
	return float64(free) / float64(free+used)
}

// getBlock acquires the next free block of a LUN: the block moves to the
// used and open lists, gets a multi-plane erase, and its metadata resets.
// An erase failure marks all planes bad and the next candidate is tried.
func (p *chProv) getBlock(lun int) *provBlk {
	lch := p.lch
	g := lch.ch.Geo
	l := &p.luns[lun]

	for {
		l.mu.Lock()
		if len(l.free) == 0 {
			l.mu.Unlock()
			return nil
		}
		vblk := l.free[0]
		l.free = l.free[1:]
		l.used = append(l.used, vblk)
		l.open = append(l.open, vblk)
		l.mu.Unlock()

		// Erase outside the list lock; failure retires the block as bad.
		cmds := make([]nvm.MediaCommand, g.Planes)
		for pl := range cmds {
			cmds[pl].PPA = nvm.NewPPA(0, lun, pl, vblk.blk, 0, 0)
		}
		if err := nvm.MultiPlaneSyncIO(lch.ch, cmds, nil, nvm.CmdEraseBlk); err != nil {
			log.Printf("[appnvm (ch_prov): erase failed, marking bad: ch %d lun %d blk %d]",
				lch.ch.ID, lun, vblk.blk)
			for pl := 0; pl < g.Planes; pl++ {
				ppa := nvm.NewPPA(lch.id, lun, pl, vblk.blk, 0, 0)
				if err := lch.f.SetBBT(ppa, BBTGrown); err != nil {
					log.Printf("[appnvm (ch_prov): set bbt: %v]", err)
				}
			}
			l.mu.Lock()
			removeBlk(&l.used, vblk)
			removeBlk(&l.open, vblk)
			l.mu.Unlock()
			continue
		}

		lch.bmd.resetEntry(lun, vblk.blk, bmdUsed|bmdOpen)
		return vblk
	}
}

// putBlock returns a fully collected block to the free list. The block
// must be used and closed.
func (p *chProv) putBlock(lun, blk int) error {
	lch := p.lch
	l := &p.luns[lun]

	l.mu.Lock()
	defer l.mu.Unlock()

	lch.bmd.mu.Lock()
	e := lch.bmd.entry(lun, blk)
	if e.Flags&bmdUsed == 0 || e.Flags&bmdOpen != 0 {
		lch.bmd.mu.Unlock()
		return ErrNoAvailableBlock
	}
	e.Flags &^= bmdUsed
	lch.bmd.mu.Unlock()

	var vblk *provBlk
	for _, b := range l.used {
		if b.blk == blk {
			vblk = b
			break
		}
	}
	if vblk == nil {
		return ErrNoAvailableBlock
	}
	removeBlk(&l.used, vblk)
	l.free = append(l.free, vblk)
	return nil
}

// getPPAs allocates npgs multi-plane pages worth of sector addresses,
// advancing write pointers and opening blocks on demand. The per-page
// order is plane-major then sector so consecutive sectors fill one plane
// before the next: each plane chunk becomes one media command.
func (p *chProv) getPPAs(npgs int) ([]nvm.PPA, error) {
	g := p.lch.ch.Geo
	out := make([]nvm.PPA, 0, npgs*g.SecPerPlPg())

	for i := 0; i < npgs; i++ {
		ppas, err := p.nextPage()
		if err != nil {
			return nil, err
		}
		out = append(out, ppas...)
	}
	return out, nil
}

// nextPage emits one multi-plane page from an open block, rotating across
// LUNs. Returns ErrNoAvailableBlock when no LUN can serve.
func (p *chProv) nextPage() ([]nvm.PPA, error) {
	lch := p.lch
	g := lch.ch.Geo
	nluns := len(p.luns)

	for t := 0; t < nluns; t++ {
		p.curMu.Lock()
		lun := p.curLun
		p.curLun = (p.curLun + 1) % nluns
		p.curMu.Unlock()

		l := &p.luns[lun]
		l.mu.Lock()
		if len(l.open) == 0 {
			l.mu.Unlock()
			if p.getBlock(lun) == nil {
				continue
			}
			l.mu.Lock()
			if len(l.open) == 0 {
				l.mu.Unlock()
				continue
			}
		}

		vblk := l.open[0]
		lch.bmd.mu.Lock()
		pg := int(vblk.md.CurrentPg)
		ppas := make([]nvm.PPA, 0, g.SecPerPlPg())
		for pl := 0; pl < g.Planes; pl++ {
			for sec := 0; sec < g.SecsPerPg; sec++ {
				ppas = append(ppas, nvm.NewPPA(lch.id, lun, pl, vblk.blk, pg, sec))
			}
		}
		vblk.md.CurrentPg++
		closed := int(vblk.md.CurrentPg) >= g.PgsPerBlk
		if closed {
			vblk.md.Flags &^= bmdOpen
		}
		lch.bmd.mu.Unlock()
		if closed {
			removeBlk(&l.open, vblk)
		}
		l.mu.Unlock()
		return ppas, nil
	}
	return nil, ErrNoAvailableBlock
}

// retire closes the open block containing the address after a failed
// write, preserving the sequential-writes invariant: future writes route
// to a fresh block.
func (p *chProv) retire(ppa nvm.PPA) {
	lch := p.lch
	lun := ppa.Lun()
	if lun >= len(p.luns) {
		return
	}
	l := &p.luns[lun]

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, b := range l.open {
		if b.blk == ppa.Blk() {
			lch.bmd.mu.Lock()
			b.md.Flags &^= bmdOpen
			// The rest of the block stays unwritten; closing at the
			// current pointer keeps reads off unwritten pages.
			b.md.CurrentPg = uint16(lch.ch.Geo.PgsPerBlk)
			lch.bmd.mu.Unlock()
			removeBlk(&l.open, b)
			return
		}
	}
}
