package ftl

import (
	"bytes"
	"testing"
	"time"

	"github.com/openchannelio/oxnvm/internal/nvm"
	"github.com/openchannelio/oxnvm/internal/volt"
)

// rig wires a volt-backed FTL without the controller front-end: host
// commands go straight into SubmitIO and completions land on a channel.
type rig struct {
	t         *testing.T
	f         *AppFTL
	v         *volt.Volt
	chans     []*nvm.Channel
	completed chan *nvm.IOCommand
	secSz     int
}

func testGeo() nvm.Geometry {
	return nvm.Geometry{
		Channels: 2, LunsPerCh: 1, BlksPerLun: 12, PgsPerBlk: 4,
		Planes: 2, SecsPerPg: 2, PgSize: 8192, SecOOBSize: 16,
	}
}

func testParams() Params {
	return Params{
		GCThresd:        0.25,
		GCTargetRate:    0.5,
		GCMaxBlks:       10,
		GCParallelCh:    2,
		GCCheckInterval: time.Hour, // tests drive the collector directly
		MapBufChPgs:     4,
		MapBufPgSz:      32 * 1024,
		LBAIOEntries:    16,
		FlushRetry:      3,
		Queues:          4,
	}
}

func newRig(t *testing.T, geo nvm.Geometry, p Params) *rig {
	t.Helper()

	r := &rig{t: t, completed: make(chan *nvm.IOCommand, 256), secSz: geo.SecSize()}
	r.f = New(p, func(cmd *nvm.IOCommand) { r.completed <- cmd })

	v, err := volt.New(volt.Config{Geo: geo}, nvm.Callback)
	if err != nil {
		t.Fatalf("volt: %v", err)
	}
	r.v = v

	var slbaSectors uint64
	for i := 0; i < geo.Channels; i++ {
		ch := &nvm.Channel{
			ID:      i,
			MmgrID:  i,
			Mmgr:    v,
			Geo:     v.Geometry(),
			MmgrRsv: v.RsvBlkCount(),
		}
		for n := 0; n < ch.MmgrRsv; n++ {
			for pl := 0; pl < geo.Planes; pl++ {
				ch.MmgrRsvList = append(ch.MmgrRsvList, nvm.NewPPA(i, 0, pl, n, 0, 0))
			}
		}
		ch.FTL = r.f
		if err := r.f.InitCh(ch); err != nil {
			t.Fatalf("init channel %d: %v", i, err)
		}
		ch.TotBytes = ch.NsPgs * uint64(geo.PgSize)
		ch.SLBA = slbaSectors
		slbaSectors += ch.TotBytes / uint64(geo.SecSize())
		ch.ELBA = slbaSectors - 1
		r.chans = append(r.chans, ch)
	}

	if err := r.f.InitFn(GlobalFn, nil); err != nil {
		t.Fatalf("global init: %v", err)
	}

	t.Cleanup(func() {
		r.f.ExitFn(GlobalFn)
		r.f.Exit()
		r.v.Exit()
	})
	return r
}

// sector builds one sector filled with the given byte.
func (r *rig) sector(b byte) []byte {
	return bytes.Repeat([]byte{b}, r.secSz)
}

// hostIO submits one host command and waits for its completion.
func (r *rig) hostIO(typ nvm.CmdType, lba uint64, bufs [][]byte) *nvm.IOCommand {
	r.t.Helper()

	cmd := &nvm.IOCommand{
		Type:  typ,
		SLBA:  lba,
		NSec:  len(bufs),
		SecSz: r.secSz,
	}
	cmd.Status.Status = nvm.IOProcess
	copy(cmd.Prps[:], bufs)

	if err := r.f.SubmitIO(cmd); err != nil {
		r.t.Fatalf("submit: %v", err)
	}

	select {
	case done := <-r.completed:
		if done != cmd {
			r.t.Fatalf("unexpected completion: %p vs %p", done, cmd)
		}
		return cmd
	case <-time.After(10 * time.Second):
		r.t.Fatalf("host command never completed: lba %d", lba)
		return nil
	}
}

// write stores one sector and asserts success.
func (r *rig) write(lba uint64, data []byte) {
	r.t.Helper()
	cmd := r.hostIO(nvm.CmdWritePg, lba, [][]byte{data})
	if cmd.Status.Status != nvm.IOSuccess {
		r.t.Fatalf("write lba %d failed: nvme 0x%x", lba, cmd.Status.NVMe)
	}
}

// read fetches one sector and asserts success.
func (r *rig) read(lba uint64) []byte {
	r.t.Helper()
	buf := make([]byte, r.secSz)
	cmd := r.hostIO(nvm.CmdReadPg, lba, [][]byte{buf})
	if cmd.Status.Status != nvm.IOSuccess {
		r.t.Fatalf("read lba %d failed: nvme 0x%x", lba, cmd.Status.NVMe)
	}
	return buf
}

// mapRead resolves an LBA through the global map.
func (r *rig) mapRead(lba uint64) nvm.PPA {
	r.t.Helper()
	ppa, err := r.f.gMap.read(lba)
	if err != nil {
		r.t.Fatalf("map read %d: %v", lba, err)
	}
	return ppa
}

// bmdOf returns the metadata entry holding a PPA.
func (r *rig) bmdOf(ppa nvm.PPA) *bmdEntry {
	lch := r.f.channel(ppa.Ch())
	return lch.bmd.entry(ppa.Lun(), ppa.Blk())
}
