package ftl

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Per-channel mapping directory
// ───────────────────────────────────────────────────────────────────────────
//
// Map pages are spread across channels round-robin; each channel keeps a
// directory with one slot per owned map page. In memory a slot either
// points at a cache entry or records the page's on-media PPA, never both.
// On media each slot serializes as a 16-byte (key, tagged-ppa) pair; the
// tag occupies bit 63 and is always zero in the persisted form (a PPA,
// not a pointer).

// mapAddrFlag is the cached-pointer tag bit of the serialized slot form.
const mapAddrFlag = uint64(1) << 63

// mapSlot is one directory entry with its load/evict serialization mutex.
type mapSlot struct {
	mu  sync.Mutex
	ppa nvm.PPA        // on-media location; 0 when the page never hit NVM
	ent *mapCacheEntry // non-nil while the page is cached
}

// mapDir is a channel's mapping-table directory.
type mapDir struct {
	magic uint8
	slots []mapSlot
}

// mapEntrySz is the serialized size of one map (or directory) entry.
const mapEntrySz = 16

// newMapDir sizes the directory from the channel's share of the global
// map-page space. The namespace is not final until every channel reports
// its page budget, so the directory covers the worst case: every owned
// page of the whole channel range.
func newMapDir(lch *appChannel) *mapDir {
	g := lch.ch.Geo
	entPerPg := uint64(g.PlPgSize() / mapEntrySz)

	// Upper bound on namespace sectors across all channels of the device.
	maxSecs := uint64(g.BlksPerCh()*g.PgsPerBlk*g.SecPerPlPg()) *
		uint64(g.Channels)
	totalPgs := (maxSecs + entPerPg - 1) / entPerPg
	owned := (totalPgs + uint64(g.Channels) - 1) / uint64(g.Channels)

	return &mapDir{
		slots: make([]mapSlot, owned),
	}
}

func (d *mapDir) slot(off uint64) *mapSlot {
	if off >= uint64(len(d.slots)) {
		return nil
	}
	return &d.slots[off]
}

// create resets every slot to "no on-media page".
func (d *mapDir) create() {
	for i := range d.slots {
		d.slots[i].ppa = 0
		d.slots[i].ent = nil
	}
	d.magic = 0
}

func (d *mapDir) encode() []byte {
	out := make([]byte, mapEntrySz*len(d.slots))
	for i := range d.slots {
		binary.LittleEndian.PutUint64(out[i*mapEntrySz:], uint64(i))
		// Persisted slots always carry the PPA form: tag bit clear.
		binary.LittleEndian.PutUint64(out[i*mapEntrySz+8:],
			uint64(d.slots[i].ppa)&^mapAddrFlag)
	}
	return out
}

func (d *mapDir) decode(raw []byte) error {
	for i := range d.slots {
		key := binary.LittleEndian.Uint64(raw[i*mapEntrySz:])
		if key != uint64(i) {
			return fmt.Errorf("ftl: map directory key %d at slot %d", key, i)
		}
		v := binary.LittleEndian.Uint64(raw[i*mapEntrySz+8:])
		if v&mapAddrFlag != 0 {
			return fmt.Errorf("ftl: map directory slot %d has pointer tag", i)
		}
		d.slots[i].ppa = nvm.PPA(v)
		d.slots[i].ent = nil
	}
	return nil
}

// load reads the newest persisted directory; a fresh block leaves the
// magic set for the caller.
func (d *mapDir) load(lch *appChannel) error {
	raw := make([]byte, mapEntrySz*len(d.slots))
	fresh, err := tblLoad(lch, raw, mapEntrySz, lch.mapBlk)
	if err != nil {
		return err
	}
	if fresh {
		d.magic = tblMagic
		return nil
	}
	if err := d.decode(raw); err != nil {
		return err
	}
	d.magic = 0
	return nil
}

// flush persists the directory. Dirty cached pages must be flushed first
// so every slot holds a current PPA.
func (d *mapDir) flush(lch *appChannel) error {
	return tblFlush(lch, d.encode(), mapEntrySz, lch.mapBlk, tblHeader{
		Entries: uint32(len(d.slots)),
		EntrySz: mapEntrySz,
	})
}

// upsertMD points a directory slot at a new on-media PPA; used by the
// garbage collector after moving a map page. Returns the previous PPA.
func (d *mapDir) upsertMD(off uint64, ppa nvm.PPA) (nvm.PPA, error) {
	s := d.slot(off)
	if s == nil {
		return 0, fmt.Errorf("ftl: map directory offset %d out of bounds", off)
	}
	s.mu.Lock()
	old := s.ppa
	s.ppa = ppa
	if s.ent != nil {
		s.ent.nvmPPA = ppa
	}
	s.mu.Unlock()
	return old, nil
}
