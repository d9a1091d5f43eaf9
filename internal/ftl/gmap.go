package ftl

import (
	"encoding/binary"
	"fmt"
	"log"
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Global mapping table
// ───────────────────────────────────────────────────────────────────────────
//
// The logical-to-physical table is paged: entries pack into map pages
// sized to one multi-plane page, map pages spread across channels
// round-robin, and each channel caches a fixed pool of its own pages with
// dirty tracking. Loading and eviction serialize on the directory slot
// mutex; structural list changes take the short cache lock. Dirty pages
// flush through the global provisioner so mapping I/O follows the same
// wear path as data.

// mapCacheEntry is one cached map page.
type mapCacheEntry struct {
	dirty  bool
	buf    []byte
	nvmPPA nvm.PPA  // where the page lives on media after its last write
	slot   *mapSlot // back-pointer while bound; nil when free
	chIdx  int
	pgIdx  uint64 // global map-page index
}

// mapCache is a channel's fixed-size page pool: free entries serve LIFO,
// used entries age FIFO with the MRU at the tail.
type mapCache struct {
	mu   sync.Mutex
	free []*mapCacheEntry
	used []*mapCacheEntry
}

type glMap struct {
	f        *AppFTL
	caches   []*mapCache
	entPerPg uint64

	// nsMu serializes GC namespace upserts against host upserts that
	// read-modify-write a map entry.
	nsMu sync.Mutex
}

func newGlMap(f *AppFTL) (*glMap, error) {
	chans := f.channelList()
	g := chans[0].ch.Geo

	if g.PlPgSize() > f.params.MapBufPgSz {
		log.Printf("[appnvm (gl_map): plane page %d exceeds configured buffer %d]",
			g.PlPgSize(), f.params.MapBufPgSz)
	}

	gm := &glMap{
		f:        f,
		entPerPg: uint64(g.PlPgSize() / mapEntrySz),
		caches:   make([]*mapCache, len(chans)),
	}
	for i := range gm.caches {
		c := &mapCache{}
		for j := 0; j < f.params.MapBufChPgs; j++ {
			c.free = append(c.free, &mapCacheEntry{
				buf:   make([]byte, g.PlPgSize()),
				chIdx: i,
			})
		}
		gm.caches[i] = c
	}
	return gm, nil
}

// locate splits an LBA into its owning channel and directory offset.
func (gm *glMap) locate(lba uint64) (chIdx int, off uint64, pgIdx uint64) {
	pgIdx = lba / gm.entPerPg
	nch := uint64(len(gm.caches))
	return int(pgIdx % nch), pgIdx / nch, pgIdx
}

// withEntry runs fn with the cached page holding lba, loading it on
// demand, under the page's directory-slot mutex.
func (gm *glMap) withEntry(lba uint64, fn func(ent *mapCacheEntry, off int) error) error {
	chIdx, off, pgIdx := gm.locate(lba)
	lch := gm.f.channel(chIdx)
	if lch == nil {
		return fmt.Errorf("ftl: map channel %d missing", chIdx)
	}
	slot := lch.mapMD.slot(off)
	if slot == nil {
		return fmt.Errorf("ftl: map page %d out of bounds on ch %d", off, chIdx)
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.ent == nil {
		if err := gm.loadPage(chIdx, slot, pgIdx); err != nil {
			return err
		}
	} else {
		// Keep the entry hot at the tail of the used list.
		cache := gm.caches[chIdx]
		cache.mu.Lock()
		for i, e := range cache.used {
			if e == slot.ent {
				cache.used = append(cache.used[:i], cache.used[i+1:]...)
				cache.used = append(cache.used, e)
				break
			}
		}
		cache.mu.Unlock()
	}

	return fn(slot.ent, int(lba%gm.entPerPg))
}

// loadPage binds a free cache entry to a directory slot, reading the page
// from media or initializing a fresh one. Caller holds the slot mutex.
func (gm *glMap) loadPage(chIdx int, slot *mapSlot, pgIdx uint64) error {
	cache := gm.caches[chIdx]

	cache.mu.Lock()
	if len(cache.free) == 0 {
		cache.mu.Unlock()
		if err := gm.evict(chIdx); err != nil {
			return err
		}
		cache.mu.Lock()
		if len(cache.free) == 0 {
			cache.mu.Unlock()
			return fmt.Errorf("ftl: map cache ch %d exhausted", chIdx)
		}
	}
	ent := cache.free[len(cache.free)-1]
	cache.free = cache.free[:len(cache.free)-1]
	cache.mu.Unlock()

	ent.slot = slot
	ent.pgIdx = pgIdx
	ent.nvmPPA = slot.ppa

	if slot.ppa == 0 {
		// The map page does not exist yet: initialize its entries to
		// (lba, unmapped) and mark dirty.
		first := pgIdx * gm.entPerPg
		for i := uint64(0); i < gm.entPerPg; i++ {
			binary.LittleEndian.PutUint64(ent.buf[i*mapEntrySz:], first+i)
			binary.LittleEndian.PutUint64(ent.buf[i*mapEntrySz+8:], 0)
		}
		ent.dirty = true
	} else {
		if err := gm.nvmRead(ent); err != nil {
			ent.slot = nil
			cache.mu.Lock()
			cache.free = append(cache.free, ent)
			cache.mu.Unlock()
			return err
		}
	}

	slot.ent = ent
	cache.mu.Lock()
	cache.used = append(cache.used, ent)
	cache.mu.Unlock()
	return nil
}

// evict removes the least-recently-used unlocked entry, flushing it first
// when dirty. Victim slots are try-locked so a loader holding another
// slot's mutex can never deadlock against a concurrent loader.
func (gm *glMap) evict(chIdx int) error {
	cache := gm.caches[chIdx]

	cache.mu.Lock()
	var victim *mapCacheEntry
	for i, e := range cache.used {
		if e.slot.mu.TryLock() {
			victim = e
			cache.used = append(cache.used[:i], cache.used[i+1:]...)
			break
		}
	}
	cache.mu.Unlock()
	if victim == nil {
		return fmt.Errorf("ftl: map cache ch %d has no evictable page", chIdx)
	}

	if victim.dirty {
		if err := gm.nvmWrite(victim); err != nil {
			cache.mu.Lock()
			cache.used = append([]*mapCacheEntry{victim}, cache.used...)
			cache.mu.Unlock()
			victim.slot.mu.Unlock()
			return err
		}
		victim.dirty = false
	}

	victim.slot.ppa = victim.nvmPPA
	victim.slot.ent = nil
	victim.slot.mu.Unlock()
	victim.slot = nil

	cache.mu.Lock()
	cache.free = append(cache.free, victim)
	cache.mu.Unlock()
	return nil
}

// nvmWrite flushes a cached map page to a freshly provisioned page and
// invalidates the page's previous location.
func (gm *glMap) nvmWrite(ent *mapCacheEntry) error {
	prov, err := gm.f.glProv.getPPAList(1)
	if err != nil {
		return fmt.Errorf("ftl: map flush: %w", err)
	}
	defer gm.f.glProv.freePPAList(prov)

	base := prov.ppas[0]
	lch := gm.f.channel(base.Ch())
	g := lch.ch.Geo
	secSz := g.SecSize()

	for pl := 0; pl < g.Planes; pl++ {
		bufs := make([][]byte, g.SecsPerPg)
		for i := range bufs {
			s := (pl*g.SecsPerPg + i) * secSz
			bufs[i] = ent.buf[s : s+secSz]
		}
		oob := make([]byte, g.PgOOBSize())
		for sec := 0; sec < g.SecsPerPg; sec++ {
			nvm.PutSecOOB(oob, sec, g.SecOOBSize,
				nvm.SecOOB{LBA: ent.pgIdx, Typ: nvm.PgMap})
		}
		cmd := nvm.MediaCommand{
			PPA:      base.WithPl(pl).WithSec(0),
			NSectors: g.SecsPerPg,
		}
		if err := nvm.SyncIOVec(lch.ch, &cmd, bufs, oob, nvm.CmdWritePg); err != nil {
			lch.prov.retire(base)
			return fmt.Errorf("ftl: map page write %v: %w", base, err)
		}
	}

	old := ent.nvmPPA
	ent.nvmPPA = base.WithPl(0).WithSec(0)
	if old != 0 {
		if olch := gm.f.channel(old.Ch()); olch != nil {
			if err := olch.bmd.invalidate(old, InvPage); err != nil {
				log.Printf("[appnvm (gl_map): invalidate old map page: %v]", err)
			}
		}
	}
	return nil
}

// nvmRead fills a cache entry from the page's on-media location.
func (gm *glMap) nvmRead(ent *mapCacheEntry) error {
	ppa := ent.slot.ppa
	lch := gm.f.channel(ppa.Ch())
	if lch == nil {
		return fmt.Errorf("ftl: map page on unknown channel %d", ppa.Ch())
	}
	g := lch.ch.Geo
	secSz := g.SecSize()
	oob := make([]byte, g.PgOOBSize())

	for pl := 0; pl < g.Planes; pl++ {
		bufs := make([][]byte, g.SecsPerPg)
		for i := range bufs {
			s := (pl*g.SecsPerPg + i) * secSz
			bufs[i] = ent.buf[s : s+secSz]
		}
		cmd := nvm.MediaCommand{
			PPA:      ppa.WithPl(pl).WithSec(0),
			NSectors: g.SecsPerPg,
		}
		if err := nvm.SyncIOVec(lch.ch, &cmd, bufs, oob, nvm.CmdReadPg); err != nil {
			return fmt.Errorf("ftl: map page read %v: %w", ppa, err)
		}
	}
	ent.nvmPPA = ppa
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Lookups and updates
// ───────────────────────────────────────────────────────────────────────────

// read translates an LBA; an unmapped address returns zero.
func (gm *glMap) read(lba uint64) (nvm.PPA, error) {
	var out nvm.PPA
	err := gm.withEntry(lba, func(ent *mapCacheEntry, off int) error {
		stored := binary.LittleEndian.Uint64(ent.buf[off*mapEntrySz:])
		if stored != lba {
			return fmt.Errorf("ftl: map entry lba %d does not match %d", stored, lba)
		}
		out = nvm.PPA(binary.LittleEndian.Uint64(ent.buf[off*mapEntrySz+8:]))
		return nil
	})
	return out, err
}

// upsert binds an LBA to a new PPA and returns the previous binding. At
// most one upserter per LBA runs at a time; the LBA I/O scheduler batches
// host writes to guarantee it.
func (gm *glMap) upsert(lba uint64, ppa nvm.PPA) (nvm.PPA, error) {
	var old nvm.PPA
	err := gm.withEntry(lba, func(ent *mapCacheEntry, off int) error {
		stored := binary.LittleEndian.Uint64(ent.buf[off*mapEntrySz:])
		if stored != lba {
			return fmt.Errorf("ftl: map entry lba %d does not match %d", stored, lba)
		}
		old = nvm.PPA(binary.LittleEndian.Uint64(ent.buf[off*mapEntrySz+8:]))
		binary.LittleEndian.PutUint64(ent.buf[off*mapEntrySz+8:], uint64(ppa))
		ent.dirty = true
		return nil
	})
	return old, err
}

// upsertIf binds lba to ppa only while the current binding still equals
// expect; the garbage collector uses it to refuse moving sectors the host
// rewrote mid-collection.
func (gm *glMap) upsertIf(lba uint64, ppa, expect nvm.PPA) (swapped bool, err error) {
	err = gm.withEntry(lba, func(ent *mapCacheEntry, off int) error {
		cur := nvm.PPA(binary.LittleEndian.Uint64(ent.buf[off*mapEntrySz+8:]))
		if cur != expect {
			return nil
		}
		binary.LittleEndian.PutUint64(ent.buf[off*mapEntrySz+8:], uint64(ppa))
		ent.dirty = true
		swapped = true
		return nil
	})
	return swapped, err
}

// flushCaches writes every dirty cached page to media, leaving the pages
// cached and clean.
func (gm *glMap) flushCaches() error {
	for _, cache := range gm.caches {
		// Capture (entry, slot) pairs under the cache lock; the slot
		// re-check below guards against a concurrent eviction.
		type bound struct {
			ent  *mapCacheEntry
			slot *mapSlot
		}
		cache.mu.Lock()
		var ents []bound
		for _, ent := range cache.used {
			if ent.slot != nil {
				ents = append(ents, bound{ent, ent.slot})
			}
		}
		cache.mu.Unlock()

		for _, b := range ents {
			b.slot.mu.Lock()
			if b.slot.ent == b.ent && b.ent.dirty {
				if err := gm.nvmWrite(b.ent); err != nil {
					b.slot.mu.Unlock()
					return err
				}
				b.ent.dirty = false
				b.slot.ppa = b.ent.nvmPPA
			}
			b.slot.mu.Unlock()
		}
	}
	return nil
}

// exit flushes all dirty pages and unbinds the caches.
func (gm *glMap) exit() error {
	if err := gm.flushCaches(); err != nil {
		return err
	}
	for _, cache := range gm.caches {
		cache.mu.Lock()
		for _, ent := range cache.used {
			if ent.slot != nil {
				ent.slot.mu.Lock()
				ent.slot.ppa = ent.nvmPPA
				ent.slot.ent = nil
				ent.slot.mu.Unlock()
				ent.slot = nil
			}
			cache.free = append(cache.free, ent)
		}
		cache.used = nil
		cache.mu.Unlock()
	}
	return nil
}

// cacheCounts reports (free, used) entries of one channel's cache.
func (gm *glMap) cacheCounts(chIdx int) (int, int) {
	cache := gm.caches[chIdx]
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return len(cache.free), len(cache.used)
}
