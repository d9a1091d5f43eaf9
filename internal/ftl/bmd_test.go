package ftl

import (
	"testing"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

func TestBMD_InvalidateSector(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	lch := r.f.channel(0)

	ppa := nvm.NewPPA(0, 0, 1, 5, 2, 1)
	if err := lch.bmd.invalidate(ppa, InvSector); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	e := lch.bmd.entry(0, 5)
	if e.InvalidSec != 1 {
		t.Fatalf("invalid_sec = %d", e.InvalidSec)
	}
	if !lch.bmd.secInvalid(ppa) {
		t.Fatal("sector not flagged")
	}
	if lch.bmd.secInvalid(ppa.WithSec(0)) {
		t.Fatal("neighbour sector flagged")
	}

	// Idempotent: marking again must not double count.
	if err := lch.bmd.invalidate(ppa, InvSector); err != nil {
		t.Fatalf("re-invalidate: %v", err)
	}
	if e.InvalidSec != 1 {
		t.Fatalf("invalid_sec after repeat = %d", e.InvalidSec)
	}
}

func TestBMD_InvalidatePage(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	lch := r.f.channel(0)
	g := lch.ch.Geo

	ppa := nvm.NewPPA(0, 0, 0, 6, 1, 0)
	if err := lch.bmd.invalidate(ppa, InvPage); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	e := lch.bmd.entry(0, 6)
	if int(e.InvalidSec) != g.SecPerPlPg() {
		t.Fatalf("invalid_sec = %d, want %d", e.InvalidSec, g.SecPerPlPg())
	}
}

// The invalid counter must always equal the bitmap population.
func TestBMD_CountMatchesBitmap(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	lch := r.f.channel(0)
	g := lch.ch.Geo

	marks := []nvm.PPA{
		nvm.NewPPA(0, 0, 0, 4, 0, 0),
		nvm.NewPPA(0, 0, 1, 4, 0, 1),
		nvm.NewPPA(0, 0, 0, 4, 3, 1),
		nvm.NewPPA(0, 0, 1, 4, 3, 1), // repeat below
	}
	for _, p := range marks {
		if err := lch.bmd.invalidate(p, InvSector); err != nil {
			t.Fatalf("invalidate %v: %v", p, err)
		}
	}
	if err := lch.bmd.invalidate(marks[3], InvSector); err != nil {
		t.Fatalf("repeat: %v", err)
	}
	if err := lch.bmd.invalidate(nvm.NewPPA(0, 0, 0, 4, 1, 0), InvPage); err != nil {
		t.Fatalf("page: %v", err)
	}

	e := lch.bmd.entry(0, 4)
	if int(e.InvalidSec) != e.popInvalid() {
		t.Fatalf("counter %d != popcount %d", e.InvalidSec, e.popInvalid())
	}
	if int(e.InvalidSec) != len(marks)+g.SecPerPlPg() {
		t.Fatalf("invalid_sec = %d", e.InvalidSec)
	}
}

func TestBMD_FlushLoadRoundTrip(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	lch := r.f.channel(1)
	g := lch.ch.Geo

	lch.bmd.mu.Lock()
	e := lch.bmd.entry(0, 5)
	e.Flags = bmdUsed
	e.EraseCount = 42
	e.CurrentPg = uint16(g.PgsPerBlk)
	lch.bmd.mu.Unlock()
	if err := lch.bmd.invalidate(nvm.NewPPA(1, 0, 0, 5, 0, 0), InvSector); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	if err := lch.bmd.flush(lch); err != nil {
		t.Fatalf("flush: %v", err)
	}

	reloaded := newBlockMeta(g, lch.id)
	if err := reloaded.load(lch); err != nil {
		t.Fatalf("load: %v", err)
	}
	got := reloaded.entry(0, 5)
	if got.Flags != bmdUsed || got.EraseCount != 42 ||
		int(got.CurrentPg) != g.PgsPerBlk || got.InvalidSec != 1 {
		t.Fatalf("entry roundtrip mismatch: %+v", got)
	}
	if got.popInvalid() != 1 {
		t.Fatal("bitmap lost")
	}
	if got.Addr.Blk() != 5 || got.Addr.Lun() != 0 {
		t.Fatalf("address mismatch: %v", got.Addr)
	}
}

func TestBMD_OutOfBounds(t *testing.T) {
	r := newRig(t, testGeo(), testParams())
	lch := r.f.channel(0)

	if err := lch.bmd.invalidate(nvm.NewPPA(0, 5, 0, 0, 0, 0), InvSector); err == nil {
		t.Fatal("bad LUN accepted")
	}
	if err := lch.bmd.invalidate(nvm.NewPPA(0, 0, 0, 99, 0, 0), InvSector); err == nil {
		t.Fatal("bad block accepted")
	}
}
