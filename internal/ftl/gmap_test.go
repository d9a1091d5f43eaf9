package ftl

import (
	"testing"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

func TestGlMap_UpsertReadRoundTrip(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	gm := r.f.gMap

	want := nvm.NewPPA(1, 0, 0, 5, 2, 1)
	old, err := gm.upsert(9, want)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if old != 0 {
		t.Fatalf("fresh lba had old ppa %v", old)
	}

	got, err := gm.read(9)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != want {
		t.Fatalf("map mismatch: %v vs %v", got, want)
	}

	// Unwritten neighbours stay unmapped.
	if p, err := gm.read(10); err != nil || p != 0 {
		t.Fatalf("lba 10 = %v, %v", p, err)
	}

	// Rebinding returns the previous PPA.
	next := nvm.NewPPA(0, 0, 1, 6, 0, 0)
	old, err = gm.upsert(9, next)
	if err != nil {
		t.Fatalf("rebind: %v", err)
	}
	if old != want {
		t.Fatalf("old binding = %v, want %v", old, want)
	}
}

func TestGlMap_UpsertIf(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	gm := r.f.gMap

	a := nvm.NewPPA(0, 0, 0, 5, 0, 0)
	b := nvm.NewPPA(0, 0, 0, 6, 0, 0)

	if _, err := gm.upsert(3, a); err != nil {
		t.Fatalf("seed: %v", err)
	}

	swapped, err := gm.upsertIf(3, b, a)
	if err != nil || !swapped {
		t.Fatalf("matching swap refused: %v %v", swapped, err)
	}
	swapped, err = gm.upsertIf(3, a, a) // expects a, but current is b
	if err != nil {
		t.Fatalf("upsertIf: %v", err)
	}
	if swapped {
		t.Fatal("stale expectation swapped")
	}
	if got, _ := gm.read(3); got != b {
		t.Fatalf("binding = %v, want %v", got, b)
	}
}

// mapTestGeo shrinks pages so the namespace spans many map pages.
func mapTestGeo() nvm.Geometry {
	return nvm.Geometry{
		Channels: 2, LunsPerCh: 1, BlksPerLun: 32, PgsPerBlk: 8,
		Planes: 2, SecsPerPg: 2, PgSize: 1024, SecOOBSize: 16,
	}
}

// Forcing more map pages than the cache holds exercises eviction with a
// dirty flush and a reload from media.
func TestGlMap_EvictionReload(t *testing.T) {
	p := testParams()
	p.MapBufChPgs = 2
	r := newRig(t, mapTestGeo(), p)
	gm := r.f.gMap

	entPerPg := gm.entPerPg
	nch := uint64(len(gm.caches))

	// Six map pages owned by channel 0: lbas at stride entPerPg*nch.
	var lbas []uint64
	for i := uint64(0); i < 6; i++ {
		lbas = append(lbas, i*entPerPg*nch)
	}
	for i, lba := range lbas {
		if _, err := gm.upsert(lba, nvm.NewPPA(0, 0, 0, 5, 0, i)); err != nil {
			t.Fatalf("upsert %d: %v", lba, err)
		}
	}

	// Everything must read back, including pages that were evicted to
	// media and reloaded.
	for i, lba := range lbas {
		got, err := gm.read(lba)
		if err != nil {
			t.Fatalf("read %d: %v", lba, err)
		}
		if got.Sec() != i {
			t.Fatalf("lba %d resolved to %v", lba, got)
		}
	}

	free, used := gm.cacheCounts(0)
	if free+used != p.MapBufChPgs {
		t.Fatalf("cache leak: free %d + used %d != %d", free, used, p.MapBufChPgs)
	}
}

// Directory slots and cache occupancy must agree: every cached slot is
// exactly one used entry.
func TestGlMap_DirectoryCacheInvariant(t *testing.T) {
	p := testParams()
	p.MapBufChPgs = 2
	r := newRig(t, mapTestGeo(), p)
	gm := r.f.gMap

	entPerPg := gm.entPerPg
	nch := uint64(len(gm.caches))
	for i := uint64(0); i < 4; i++ {
		if _, err := gm.upsert(i*entPerPg*nch, nvm.NewPPA(0, 0, 0, 5, 0, 0)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	for chIdx, lch := range r.f.channelList() {
		cached := 0
		for i := range lch.mapMD.slots {
			s := &lch.mapMD.slots[i]
			s.mu.Lock()
			if s.ent != nil {
				cached++
			}
			s.mu.Unlock()
		}
		_, used := gm.cacheCounts(chIdx)
		if cached != used {
			t.Fatalf("ch %d: %d cached slots vs %d used entries",
				chIdx, cached, used)
		}
	}
}

// A flushed dirty page must survive a full cache drop.
func TestGlMap_FlushCachesPersists(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	gm := r.f.gMap

	want := nvm.NewPPA(1, 0, 1, 7, 1, 0)
	if _, err := gm.upsert(0, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := gm.flushCaches(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Drop the cache binding entirely, then read again: the page must
	// come back from media.
	if err := gm.exit(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	got, err := gm.read(0)
	if err != nil {
		t.Fatalf("read after reload: %v", err)
	}
	if got != want {
		t.Fatalf("persisted map lost: %v vs %v", got, want)
	}
}

// The previous location of a rewritten map page is invalidated so the
// collector can reclaim it.
func TestGlMap_RewriteInvalidatesOldPage(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	gm := r.f.gMap

	if _, err := gm.upsert(0, nvm.NewPPA(0, 0, 0, 5, 0, 0)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := gm.flushCaches(); err != nil {
		t.Fatalf("flush 1: %v", err)
	}

	chIdx, off, _ := gm.locate(0)
	slot := r.f.channel(chIdx).mapMD.slot(off)
	slot.mu.Lock()
	firstPPA := slot.ent.nvmPPA
	slot.mu.Unlock()
	if firstPPA == 0 {
		t.Fatal("flush left no on-media location")
	}

	// Dirty it again and reflush: a new page is written, the old one
	// becomes garbage.
	if _, err := gm.upsert(1, nvm.NewPPA(0, 0, 0, 5, 0, 1)); err != nil {
		t.Fatalf("upsert 2: %v", err)
	}
	if err := gm.flushCaches(); err != nil {
		t.Fatalf("flush 2: %v", err)
	}

	old := r.f.channel(firstPPA.Ch())
	if !old.bmd.secInvalid(firstPPA) {
		t.Fatal("old map page location still valid")
	}
}
