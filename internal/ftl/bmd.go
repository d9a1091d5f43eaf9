package ftl

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Block metadata
// ───────────────────────────────────────────────────────────────────────────
//
// One entry per multi-plane block: state flags, erase count, write pointer,
// invalid-sector count, and a per-sector validity bitmap (bit set means the
// sector is invalid). The table persists like the BBT but entries are
// larger and the table may span several pages of the reserved block.

// Block state flags.
const (
	bmdUsed uint16 = 1 << 1
	bmdOpen uint16 = 1 << 2
)

// Invalidate granularity.
type InvGran uint8

const (
	InvSector InvGran = iota
	InvPage
)

// bmdEntry is the metadata of one multi-plane block.
type bmdEntry struct {
	Addr       nvm.PPA // (ch, lun, blk), pg/pl/sec zero
	Flags      uint16
	EraseCount uint32
	CurrentPg  uint16
	InvalidSec uint16
	PgState    []byte // validity bitmap: pgs × planes × secsPerPg bits
}

// blockMeta is a channel's block metadata table.
type blockMeta struct {
	geo  *nvm.Geometry
	chID int

	mu      sync.Mutex // guards PgState/InvalidSec and flag transitions
	magic   uint8
	entries []bmdEntry

	bitmapLen int
	entrySz   int
}

func newBlockMeta(g *nvm.Geometry, chID int) *blockMeta {
	bitmapLen := (g.SecsPerBlk() + 7) / 8
	m := &blockMeta{
		geo:       g,
		chID:      chID,
		bitmapLen: bitmapLen,
		entrySz:   bmdFixedLen + bitmapLen,
		entries:   make([]bmdEntry, g.BlksPerCh()),
	}
	for i := range m.entries {
		m.entries[i].PgState = make([]byte, bitmapLen)
	}
	return m
}

// bmdFixedLen is the encoded size of an entry before the bitmap:
// addr(8) + flags(2) + erase(4) + currentPg(2) + invalidSec(2).
const bmdFixedLen = 18

func (m *blockMeta) entryIdx(lun, blk int) int { return lun*m.geo.BlksPerLun + blk }

// entry returns the metadata of one (lun, blk).
func (m *blockMeta) entry(lun, blk int) *bmdEntry {
	return &m.entries[m.entryIdx(lun, blk)]
}

// lunRow returns the entries of one LUN.
func (m *blockMeta) lunRow(lun int) []bmdEntry {
	return m.entries[lun*m.geo.BlksPerLun : (lun+1)*m.geo.BlksPerLun]
}

// create initializes a fresh table addressing every block of the channel.
func (m *blockMeta) create() {
	for i := range m.entries {
		e := &m.entries[i]
		e.Addr = nvm.NewPPA(m.chID, i/m.geo.BlksPerLun, 0, i%m.geo.BlksPerLun, 0, 0)
		e.Flags = 0
		e.EraseCount = 0
		e.CurrentPg = 0
		e.InvalidSec = 0
		for j := range e.PgState {
			e.PgState[j] = 0
		}
	}
	m.magic = 0
}

func (m *blockMeta) encode() []byte {
	out := make([]byte, m.entrySz*len(m.entries))
	for i := range m.entries {
		e := &m.entries[i]
		b := out[i*m.entrySz:]
		binary.LittleEndian.PutUint64(b[0:], uint64(e.Addr))
		binary.LittleEndian.PutUint16(b[8:], e.Flags)
		binary.LittleEndian.PutUint32(b[10:], e.EraseCount)
		binary.LittleEndian.PutUint16(b[14:], e.CurrentPg)
		binary.LittleEndian.PutUint16(b[16:], e.InvalidSec)
		copy(b[bmdFixedLen:m.entrySz], e.PgState)
	}
	return out
}

func (m *blockMeta) decode(raw []byte) {
	for i := range m.entries {
		e := &m.entries[i]
		b := raw[i*m.entrySz:]
		e.Addr = nvm.PPA(binary.LittleEndian.Uint64(b[0:]))
		e.Flags = binary.LittleEndian.Uint16(b[8:])
		e.EraseCount = binary.LittleEndian.Uint32(b[10:])
		e.CurrentPg = binary.LittleEndian.Uint16(b[14:])
		e.InvalidSec = binary.LittleEndian.Uint16(b[16:])
		copy(e.PgState, b[bmdFixedLen:m.entrySz])
	}
}

// load reads the newest persisted table; a fresh block leaves the magic
// set for the caller.
func (m *blockMeta) load(lch *appChannel) error {
	raw := make([]byte, m.entrySz*len(m.entries))
	fresh, err := tblLoad(lch, raw, m.entrySz, lch.metaBlk)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if fresh {
		m.magic = tblMagic
		return nil
	}
	m.decode(raw)
	m.magic = 0
	return nil
}

// flush persists the table.
func (m *blockMeta) flush(lch *appChannel) error {
	m.mu.Lock()
	raw := m.encode()
	m.mu.Unlock()
	return tblFlush(lch, raw, m.entrySz, lch.metaBlk, tblHeader{
		Entries: uint32(len(m.entries)),
		EntrySz: uint32(m.entrySz),
	})
}

// ───────────────────────────────────────────────────────────────────────────
// Validity tracking
// ───────────────────────────────────────────────────────────────────────────

// secBit computes the bitmap position of a sector inside its block.
func (m *blockMeta) secBit(ppa nvm.PPA) int {
	g := m.geo
	return (ppa.Pg()*g.Planes+ppa.Pl())*g.SecsPerPg + ppa.Sec()
}

// invalidate marks a sector or a whole multi-plane page invalid and keeps
// the invalid-sector count in sync with the bitmap.
func (m *blockMeta) invalidate(ppa nvm.PPA, gran InvGran) error {
	g := m.geo
	if ppa.Lun() >= g.LunsPerCh || ppa.Blk() >= g.BlksPerLun {
		return fmt.Errorf("ftl: invalidate out of bounds: %v", ppa)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(ppa.Lun(), ppa.Blk())

	set := func(bit int) {
		if e.PgState[bit/8]&(1<<(bit%8)) == 0 {
			e.PgState[bit/8] |= 1 << (bit % 8)
			e.InvalidSec++
		}
	}

	switch gran {
	case InvSector:
		set(m.secBit(ppa))
	case InvPage:
		for pl := 0; pl < g.Planes; pl++ {
			for sec := 0; sec < g.SecsPerPg; sec++ {
				set(m.secBit(ppa.WithPl(pl).WithSec(sec)))
			}
		}
	}
	return nil
}

// secInvalid reports whether a sector is marked invalid.
func (m *blockMeta) secInvalid(ppa nvm.PPA) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(ppa.Lun(), ppa.Blk())
	bit := m.secBit(ppa)
	return e.PgState[bit/8]&(1<<(bit%8)) != 0
}

// popInvalid recounts the bitmap of one entry; used by consistency checks.
func (e *bmdEntry) popInvalid() int {
	n := 0
	for _, b := range e.PgState {
		n += bits.OnesCount8(b)
	}
	return n
}

// resetEntry clears the write pointer and validity state after an erase
// and bumps the erase counter.
func (m *blockMeta) resetEntry(lun, blk int, flags uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(lun, blk)
	e.CurrentPg = 0
	e.Flags |= flags
	e.InvalidSec = 0
	e.EraseCount++
	for j := range e.PgState {
		e.PgState[j] = 0
	}
}

// setFlags updates flag bits under the table lock.
func (m *blockMeta) setFlags(lun, blk int, set, clear uint16) {
	m.mu.Lock()
	e := m.entry(lun, blk)
	e.Flags |= set
	e.Flags &^= clear
	m.mu.Unlock()
}
