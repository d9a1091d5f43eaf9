package ftl

import (
	"bytes"
	"fmt"
	"log"
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Bad-block table
// ───────────────────────────────────────────────────────────────────────────
//
// One byte per (block × plane), indexed lun*(blksPerLun*planes) +
// blk*planes + pl. The table persists in the reserved BBT block; reserved
// blocks are always marked bad-equivalent so provisioning skips them.

// Bad-block states.
const (
	BBTFree  uint8 = 0x0
	BBTBad   uint8 = 0x1
	BBTGrown uint8 = 0x2
	BBTDMark uint8 = 0x4 // marked by device side
	BBTHMark uint8 = 0x8 // marked by host side
)

// Table creation modes.
type BBTMode uint8

const (
	// BBTEmergency creates the table without touching the media, relying
	// only on the reserved marks.
	BBTEmergency BBTMode = iota
	// BBTErase erase-tests every block.
	BBTErase
	// BBTFull erase-tests, writes a pattern to every page, and compares
	// the read-back.
	BBTFull
)

// bbtPattern is the byte written by the full scan.
const bbtPattern = 0xac

type badBlockTbl struct {
	geo *nvm.Geometry

	mu      sync.Mutex
	magic   uint8
	bbCount int
	tbl     []byte
}

func newBadBlockTbl(g *nvm.Geometry) *badBlockTbl {
	return &badBlockTbl{
		geo: g,
		tbl: make([]byte, g.LunsPerCh*g.BlksPerLun*g.Planes),
	}
}

func (t *badBlockTbl) index(lun, blk, pl int) int {
	return lun*t.geo.BlksPerLun*t.geo.Planes + blk*t.geo.Planes + pl
}

// lunRow returns the byte row of one LUN.
func (t *badBlockTbl) lunRow(lun int) []byte {
	sz := t.geo.BlksPerLun * t.geo.Planes
	return t.tbl[lun*sz : (lun+1)*sz]
}

// isBad reports whether any plane of a multi-plane block is marked.
func (t *badBlockTbl) isBad(lun, blk int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for pl := 0; pl < t.geo.Planes; pl++ {
		if t.tbl[t.index(lun, blk, pl)] != BBTFree {
			return true
		}
	}
	return false
}

// mark sets the state of one (block, plane) and reports whether the value
// changed.
func (t *badBlockTbl) mark(ppa nvm.PPA, value uint8) (bool, error) {
	g := t.geo
	if ppa.Lun() >= g.LunsPerCh || ppa.Blk() >= g.BlksPerLun || ppa.Pl() >= g.Planes {
		return false, fmt.Errorf("ftl: bbt mark out of bounds: %v", ppa)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(ppa.Lun(), ppa.Blk(), ppa.Pl())
	if t.tbl[i] == value {
		return false, nil
	}
	t.tbl[i] = value
	t.recount()
	return true, nil
}

func (t *badBlockTbl) recount() {
	n := 0
	for _, b := range t.tbl {
		if b != BBTFree {
			n++
		}
	}
	t.bbCount = n
}

// load reads the newest persisted table. A fresh reserved block leaves the
// magic set so the caller knows to create and flush an initial table.
func (t *badBlockTbl) load(lch *appChannel) error {
	if len(t.tbl) > t.geo.PgSize {
		return fmt.Errorf("ftl: bbt of %d bytes exceeds page size %d",
			len(t.tbl), t.geo.PgSize)
	}
	fresh, err := tblLoad(lch, t.tbl, 1, lch.bbtBlk)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if fresh {
		t.magic = tblMagic
		return nil
	}
	t.magic = 0
	t.recount()
	return nil
}

// flush persists the table to the next free page of the reserved block.
func (t *badBlockTbl) flush(lch *appChannel) error {
	t.mu.Lock()
	t.recount()
	snap := append([]byte(nil), t.tbl...)
	count := t.bbCount
	t.mu.Unlock()

	return tblFlush(lch, snap, 1, lch.bbtBlk, tblHeader{
		Entries: uint32(len(snap)),
		EntrySz: 1,
		Count:   uint32(count),
	})
}

// create builds the table: reserved blocks are pre-marked, then the chosen
// scan mode probes the rest of the channel.
func (t *badBlockTbl) create(lch *appChannel, mode BBTMode) error {
	t.mu.Lock()
	for i := range t.tbl {
		t.tbl[i] = BBTFree
	}
	for _, ppa := range lch.ch.FTLRsvList {
		t.tbl[t.index(ppa.Lun(), ppa.Blk(), ppa.Pl())] = BBTDMark
	}
	for _, ppa := range lch.ch.MmgrRsvList {
		t.tbl[t.index(ppa.Lun(), ppa.Blk(), ppa.Pl())] = BBTDMark
	}
	t.mu.Unlock()

	switch mode {
	case BBTEmergency:
		log.Printf("[appnvm: emergency bad block table created on channel %d]",
			lch.ch.ID)
	case BBTErase, BBTFull:
		if err := t.scan(lch, mode); err != nil {
			return err
		}
	}

	t.mu.Lock()
	t.recount()
	t.magic = 0
	t.mu.Unlock()
	return nil
}

// scan erase-tests (and for the full mode pattern-tests) every
// non-reserved block; failures mark all planes of the block.
func (t *badBlockTbl) scan(lch *appChannel, mode BBTMode) error {
	g := t.geo
	log.Printf("[appnvm: checking bad blocks on channel %d]", lch.ch.ID)

	reserved := func(lun, blk int) bool {
		return lun == 0 && blk < lch.ch.MmgrRsv+lch.ch.FTLRsv
	}

	markAll := func(lun, blk int) {
		t.mu.Lock()
		for pl := 0; pl < g.Planes; pl++ {
			t.tbl[t.index(lun, blk, pl)] = BBTDMark
		}
		t.mu.Unlock()
		log.Printf("[appnvm: bad block: lun %d, blk %d]", lun, blk)
	}

	pattern := bytes.Repeat([]byte{bbtPattern}, g.PgSize+g.PgOOBSize())

	for lun := 0; lun < g.LunsPerCh; lun++ {
		for blk := 0; blk < g.BlksPerLun; blk++ {
			if reserved(lun, blk) {
				continue
			}

			bad := false
			for pl := 0; pl < g.Planes && !bad; pl++ {
				cmd := nvm.MediaCommand{PPA: nvm.NewPPA(0, lun, pl, blk, 0, 0)}
				if nvm.SyncIO(lch.ch, &cmd, nil, nvm.CmdEraseBlk) != nil {
					bad = true
				}
			}

			if !bad && mode == BBTFull {
				bad = t.patternTest(lch, lun, blk, pattern)
			}

			if bad {
				markAll(lun, blk)
			}
		}
	}
	return nil
}

// patternTest writes the test pattern through the block and compares the
// read-back; any mismatch fails the block.
func (t *badBlockTbl) patternTest(lch *appChannel, lun, blk int, pattern []byte) bool {
	g := t.geo
	rbuf := make([]byte, g.PgSize+g.PgOOBSize())

	for pg := 0; pg < g.PgsPerBlk; pg++ {
		for pl := 0; pl < g.Planes; pl++ {
			cmd := nvm.MediaCommand{PPA: nvm.NewPPA(0, lun, pl, blk, pg, 0)}
			if nvm.SyncIO(lch.ch, &cmd, pattern, nvm.CmdWritePg) != nil {
				return true
			}
		}
	}
	for pg := 0; pg < g.PgsPerBlk; pg++ {
		for pl := 0; pl < g.Planes; pl++ {
			for i := range rbuf {
				rbuf[i] = 0
			}
			cmd := nvm.MediaCommand{PPA: nvm.NewPPA(0, lun, pl, blk, pg, 0)}
			if nvm.SyncIO(lch.ch, &cmd, rbuf, nvm.CmdReadPg) != nil {
				return true
			}
			if !bytes.Equal(rbuf, pattern) {
				return true
			}
		}
	}
	return false
}
