package controller

import (
	"bytes"
	"testing"
	"time"

	"github.com/openchannelio/oxnvm/internal/ftl"
	"github.com/openchannelio/oxnvm/internal/nvm"
	"github.com/openchannelio/oxnvm/internal/volt"
)

func testStack(t *testing.T) (*Core, *ftl.AppFTL, *volt.Volt) {
	t.Helper()

	core := New(512)
	params := ftl.DefaultParams()
	params.Queues = 4
	params.GCCheckInterval = time.Hour
	app := ftl.New(params, core.CompleteFTL)

	v, err := volt.New(volt.Config{
		Geo: nvm.Geometry{
			Channels: 2, LunsPerCh: 1, BlksPerLun: 16, PgsPerBlk: 4,
			Planes: 2, SecsPerPg: 2, PgSize: 8192, SecOOBSize: 16,
		},
	}, nvm.Callback)
	if err != nil {
		t.Fatalf("volt: %v", err)
	}

	if err := core.RegisterMM(v); err != nil {
		t.Fatalf("register mm: %v", err)
	}
	if err := core.RegisterFTL(app); err != nil {
		t.Fatalf("register ftl: %v", err)
	}
	if err := core.Config(); err != nil {
		t.Fatalf("config: %v", err)
	}
	t.Cleanup(core.Close)
	return core, app, v
}

func hostCmd(core *Core, typ nvm.CmdType, lba uint64, bufs [][]byte) uint16 {
	done := make(chan uint16, 1)
	cmd := &nvm.IOCommand{
		Type:  typ,
		SLBA:  lba,
		NSec:  len(bufs),
		SecSz: core.SectorSize(),
		Req:   &HostRequest{Done: func(st uint16) { done <- st }},
	}
	copy(cmd.Prps[:], bufs)
	core.SubmitIO(cmd)
	select {
	case st := <-done:
		return st
	case <-time.After(10 * time.Second):
		return 0xffff
	}
}

func TestConfig_BuildsContiguousNamespace(t *testing.T) {
	core, _, v := testStack(t)

	chans := core.Channels()
	if len(chans) != 2 {
		t.Fatalf("channels = %d", len(chans))
	}
	if chans[0].SLBA != 0 {
		t.Fatalf("first channel slba = %d", chans[0].SLBA)
	}
	if chans[1].SLBA != chans[0].ELBA+1 {
		t.Fatalf("namespace not contiguous: %d vs %d", chans[1].SLBA, chans[0].ELBA)
	}
	if core.NamespaceSectors() == 0 {
		t.Fatal("empty namespace")
	}

	// Channel identity was persisted with the in-use marker.
	infos, err := v.GetChInfo(2)
	if err != nil {
		t.Fatalf("chinfo: %v", err)
	}
	for i, ci := range infos {
		if ci.InUse != nvm.ChInUseFlag {
			t.Fatalf("channel %d not marked in use", i)
		}
		if ci.FTLID != ftl.FTLID {
			t.Fatalf("channel %d bound to FTL %d", i, ci.FTLID)
		}
	}
}

func TestSubmitIO_RoundTripAndValidation(t *testing.T) {
	core, _, _ := testStack(t)
	secSz := core.SectorSize()

	data := bytes.Repeat([]byte{0x3c}, secSz)
	if st := hostCmd(core, nvm.CmdWritePg, 0, [][]byte{data}); st != nvm.NVMeSuccess {
		t.Fatalf("write status 0x%x", st)
	}
	out := make([]byte, secSz)
	if st := hostCmd(core, nvm.CmdReadPg, 0, [][]byte{out}); st != nvm.NVMeSuccess {
		t.Fatalf("read status 0x%x", st)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("round trip mismatch")
	}

	// Out of range.
	end := core.NamespaceSectors()
	if st := hostCmd(core, nvm.CmdWritePg, end, [][]byte{data}); st != nvm.NVMeLBARange {
		t.Fatalf("range violation status 0x%x", st)
	}
	// Zero-length command.
	if st := hostCmd(core, nvm.CmdReadPg, 0, nil); st != nvm.NVMeInvalidField {
		t.Fatalf("empty command status 0x%x", st)
	}
}

func TestSubmitIO_PPADirect(t *testing.T) {
	core, _, _ := testStack(t)
	secSz := core.SectorSize()
	geo := core.Channels()[0].Geo

	// Address a far-away block directly, lightnvm style.
	blk := geo.BlksPerLun - 1
	n := geo.SecsPerPg
	wbufs := make([][]byte, n)
	wcmd := &nvm.IOCommand{Type: nvm.CmdWritePg, NSec: n, SecSz: secSz}
	for i := 0; i < n; i++ {
		wbufs[i] = bytes.Repeat([]byte{byte(0x40 + i)}, secSz)
		wcmd.PPAList[i] = nvm.NewPPA(1, 0, 0, blk, 0, i)
		wcmd.Prps[i] = wbufs[i]
	}
	done := make(chan uint16, 1)
	wcmd.Req = &HostRequest{Done: func(st uint16) { done <- st }}
	core.SubmitIO(wcmd)
	select {
	case st := <-done:
		if st != nvm.NVMeSuccess {
			t.Fatalf("ppa write status 0x%x", st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ppa write never completed")
	}

	rcmd := &nvm.IOCommand{Type: nvm.CmdReadPg, NSec: n, SecSz: secSz}
	rbufs := make([][]byte, n)
	for i := 0; i < n; i++ {
		rbufs[i] = make([]byte, secSz)
		rcmd.PPAList[i] = nvm.NewPPA(1, 0, 0, blk, 0, i)
		rcmd.Prps[i] = rbufs[i]
	}
	rdone := make(chan uint16, 1)
	rcmd.Req = &HostRequest{Done: func(st uint16) { rdone <- st }}
	core.SubmitIO(rcmd)
	select {
	case st := <-rdone:
		if st != nvm.NVMeSuccess {
			t.Fatalf("ppa read status 0x%x", st)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("ppa read never completed")
	}
	for i := 0; i < n; i++ {
		if !bytes.Equal(rbufs[i], wbufs[i]) {
			t.Fatalf("ppa sector %d mismatch", i)
		}
	}

	// A PPA beyond the channel table is refused.
	bad := &nvm.IOCommand{Type: nvm.CmdReadPg, NSec: 1, SecSz: secSz}
	bad.PPAList[0] = nvm.NewPPA(7, 0, 0, 1, 0, 0)
	bad.Prps[0] = make([]byte, secSz)
	bdone := make(chan uint16, 1)
	bad.Req = &HostRequest{Done: func(st uint16) { bdone <- st }}
	if st := core.SubmitIO(bad); st != nvm.NVMeCmdAbortReq {
		t.Fatalf("bad channel status 0x%x", st)
	}
}

func TestCapExec_BBTRoundTrip(t *testing.T) {
	core, _, _ := testStack(t)
	geo := core.Channels()[0].Geo

	target := nvm.NewPPA(0, 0, 1, 8, 0, 0)
	if err := core.CapExec(nvm.CapSetBBT, &CapBBTbl{PPA: target, Value: 0x8}); err != nil {
		t.Fatalf("set-bbt: %v", err)
	}

	row := make([]byte, geo.BlksPerLun*geo.Planes)
	if err := core.CapExec(nvm.CapGetBBT, &CapBBTbl{
		PPA: nvm.NewPPA(0, 0, 0, 0, 0, 0), Buf: row,
	}); err != nil {
		t.Fatalf("get-bbt: %v", err)
	}
	if row[8*geo.Planes+1] != 0x8 {
		t.Fatal("host mark not round-tripped through capabilities")
	}

	if err := core.CapExec(0xff, nil); err == nil {
		t.Fatal("unknown capability accepted")
	}
	if err := core.CapExec(nvm.CapSetBBT, "wrong"); err == nil {
		t.Fatal("malformed argument accepted")
	}
}

func TestSchedule_SeparatesQueueClasses(t *testing.T) {
	core, app, _ := testStack(t)
	_ = core

	reg := &ftlReg{ftl: app}
	half := app.Queues() / 2

	for i := 0; i < 8; i++ {
		w := reg.schedule(&nvm.IOCommand{Type: nvm.CmdWritePg})
		if w < 0 || w >= half {
			t.Fatalf("write qid %d outside [0,%d)", w, half)
		}
		r := reg.schedule(&nvm.IOCommand{Type: nvm.CmdReadPg})
		if r < half || r >= app.Queues() {
			t.Fatalf("read qid %d outside [%d,%d)", r, half, app.Queues())
		}
	}
}
