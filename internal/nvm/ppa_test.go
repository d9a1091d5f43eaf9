package nvm

import "testing"

func TestPPA_PackRoundTrip(t *testing.T) {
	cases := []struct {
		ch, lun, pl, blk, pg, sec int
	}{
		{0, 0, 0, 0, 0, 0},
		{3, 1, 1, 500, 120, 7},
		{255, 255, 255, 65535, 65535, 255},
		{1, 2, 0, 42, 9, 3},
	}
	for _, c := range cases {
		p := NewPPA(c.ch, c.lun, c.pl, c.blk, c.pg, c.sec)
		if p.Ch() != c.ch || p.Lun() != c.lun || p.Pl() != c.pl ||
			p.Blk() != c.blk || p.Pg() != c.pg || p.Sec() != c.sec {
			t.Fatalf("roundtrip mismatch for %+v: got %v", c, p)
		}
	}
}

func TestPPA_BitLayout(t *testing.T) {
	// blk:16, pg:16, sec:8, pl:8, lun:8, ch:8, low to high.
	p := NewPPA(0x0c, 0x0b, 0x0a, 0x1234, 0x5678, 0x09)
	want := PPA(0x1234) | PPA(0x5678)<<16 | PPA(0x09)<<32 |
		PPA(0x0a)<<40 | PPA(0x0b)<<48 | PPA(0x0c)<<56
	if p != want {
		t.Fatalf("layout mismatch: got %#x want %#x", uint64(p), uint64(want))
	}
}

func TestPPA_With(t *testing.T) {
	p := NewPPA(1, 2, 3, 4, 5, 6)
	if q := p.WithCh(9); q.Ch() != 9 || q.Lun() != 2 || q.Blk() != 4 {
		t.Fatalf("WithCh broke other fields: %v", q)
	}
	if q := p.WithPl(0).WithSec(7).WithPg(8); q.Pl() != 0 || q.Sec() != 7 || q.Pg() != 8 {
		t.Fatalf("With chain mismatch: %v", q)
	}
}

func TestPPA_SamePage(t *testing.T) {
	a := NewPPA(1, 2, 0, 10, 3, 0)
	b := NewPPA(1, 2, 0, 10, 3, 3)
	if !a.SamePage(b) {
		t.Fatal("sectors of one page must compare equal")
	}
	c := b.WithPl(1)
	if a.SamePage(c) {
		t.Fatal("different planes are different pages")
	}
	d := b.WithPg(4)
	if a.SamePage(d) {
		t.Fatal("different pages must differ")
	}
}

func TestPPA_Sentinels(t *testing.T) {
	if AND64 != 0xffffffffffffffff {
		t.Fatalf("AND64 = %#x", uint64(AND64))
	}
	var zero PPA
	if zero != 0 {
		t.Fatal("zero PPA must be the unmapped sentinel")
	}
}

func TestGeometry_Derived(t *testing.T) {
	g := Geometry{
		Channels: 2, LunsPerCh: 2, BlksPerLun: 8, PgsPerBlk: 4,
		Planes: 2, SecsPerPg: 4, PgSize: 16384, SecOOBSize: 16,
	}
	if err := g.Validate(); err != nil {
		t.Fatalf("valid geometry rejected: %v", err)
	}
	if g.SecSize() != 4096 {
		t.Errorf("SecSize = %d", g.SecSize())
	}
	if g.SecPerPlPg() != 8 {
		t.Errorf("SecPerPlPg = %d", g.SecPerPlPg())
	}
	if g.PlPgSize() != 32768 {
		t.Errorf("PlPgSize = %d", g.PlPgSize())
	}
	if g.SecsPerBlk() != 32 {
		t.Errorf("SecsPerBlk = %d", g.SecsPerBlk())
	}
	if g.PgOOBSize() != 64 {
		t.Errorf("PgOOBSize = %d", g.PgOOBSize())
	}

	bad := g
	bad.SecsPerPg = 3 // 16384 is not divisible by 3
	if err := bad.Validate(); err == nil {
		t.Error("indivisible page size accepted")
	}
}

func TestChannelInfo_EncodeDecode(t *testing.T) {
	ci := ChannelInfo{NsID: 1, NsPart: 7, FTLID: 2, InUse: ChInUseFlag}
	got := DecodeChannelInfo(ci.Encode())
	if got != ci {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", ci, got)
	}
	if ci.Encode()>>56 != uint64(ChInUseFlag) {
		t.Fatal("in_use must occupy the top byte")
	}
}

func TestSecOOB_Codec(t *testing.T) {
	oob := make([]byte, 4*16)
	PutSecOOB(oob, 2, 16, SecOOB{LBA: 0xdeadbeef, Typ: PgMap})
	PutSecOOB(oob, 0, 16, SecOOB{LBA: 7, Typ: PgNamespace})

	if rec := GetSecOOB(oob, 2, 16); rec.LBA != 0xdeadbeef || rec.Typ != PgMap {
		t.Fatalf("sector 2 mismatch: %+v", rec)
	}
	if rec := GetSecOOB(oob, 0, 16); rec.LBA != 7 || rec.Typ != PgNamespace {
		t.Fatalf("sector 0 mismatch: %+v", rec)
	}
	if rec := GetSecOOB(oob, 1, 16); rec.Typ != PgPadding {
		t.Fatalf("untouched sector must read as padding: %+v", rec)
	}
}
