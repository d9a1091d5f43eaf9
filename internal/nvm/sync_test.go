package nvm

import (
	"testing"
	"time"
)

// fakeMM executes commands synchronously and remembers what it saw.
type fakeMM struct {
	geo    Geometry
	pages  map[PPA][]byte // page base PPA → data+oob
	erased []PPA
	drop   bool // swallow commands without completing them
	fail   bool
}

func newFakeMM() *fakeMM {
	return &fakeMM{
		geo: Geometry{
			Channels: 1, LunsPerCh: 1, BlksPerLun: 4, PgsPerBlk: 2,
			Planes: 2, SecsPerPg: 2, PgSize: 8192, SecOOBSize: 16,
		},
		pages: make(map[PPA][]byte),
	}
}

func (m *fakeMM) Name() string        { return "FAKE" }
func (m *fakeMM) Geometry() *Geometry { return &m.geo }
func (m *fakeMM) RsvBlkCount() int    { return 1 }
func (m *fakeMM) Exit()               {}

func (m *fakeMM) GetChInfo(n int) ([]ChannelInfo, error) {
	return make([]ChannelInfo, n), nil
}
func (m *fakeMM) SetChInfo(int, ChannelInfo) error { return nil }

func (m *fakeMM) key(p PPA) PPA { return p.WithSec(0) }

func (m *fakeMM) complete(cmd *MediaCommand, ok bool) error {
	if m.drop {
		return nil
	}
	if ok {
		cmd.Status = IOSuccess
	} else {
		cmd.Status = IOFail
	}
	Callback(cmd)
	return nil
}

func (m *fakeMM) WritePg(cmd *MediaCommand) error {
	if m.fail {
		return m.complete(cmd, false)
	}
	buf := make([]byte, m.geo.PgSize+m.geo.PgOOBSize())
	for i, b := range cmd.Bufs {
		copy(buf[i*cmd.SecSz:], b)
	}
	copy(buf[m.geo.PgSize:], cmd.OOB)
	m.pages[m.key(cmd.PPA)] = buf
	return m.complete(cmd, true)
}

func (m *fakeMM) ReadPg(cmd *MediaCommand) error {
	buf, ok := m.pages[m.key(cmd.PPA)]
	if !ok {
		buf = make([]byte, m.geo.PgSize+m.geo.PgOOBSize())
	}
	for i, b := range cmd.Bufs {
		copy(b, buf[i*cmd.SecSz:(i+1)*cmd.SecSz])
	}
	if cmd.OOB != nil {
		copy(cmd.OOB, buf[m.geo.PgSize:])
	}
	return m.complete(cmd, true)
}

func (m *fakeMM) EraseBlk(cmd *MediaCommand) error {
	m.erased = append(m.erased, cmd.PPA)
	return m.complete(cmd, true)
}

func fakeChannel(m *fakeMM) *Channel {
	return &Channel{ID: 0, MmgrID: 0, Mmgr: m, Geo: &m.geo}
}

func TestCompletionGroup_WaitAndRelease(t *testing.T) {
	g := &CompletionGroup{}
	g.Add(2)
	go func() {
		g.Done()
		g.Done()
	}()
	if !g.Wait(time.Second) {
		t.Fatal("group never drained")
	}
	if g.Pending() != 0 {
		t.Fatalf("pending = %d", g.Pending())
	}
}

func TestCompletionGroup_Timeout(t *testing.T) {
	g := &CompletionGroup{}
	g.Add(1)
	if g.Wait(10 * time.Millisecond) {
		t.Fatal("wait must time out while a completion is pending")
	}
}

func TestSyncIO_WriteReadRoundTrip(t *testing.T) {
	m := newFakeMM()
	ch := fakeChannel(m)
	g := &m.geo

	wbuf := make([]byte, g.PgSize+g.PgOOBSize())
	for i := range wbuf {
		wbuf[i] = byte(i)
	}
	wcmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 2, 1, 0)}
	if err := SyncIO(ch, wcmd, wbuf, CmdWritePg); err != nil {
		t.Fatalf("write: %v", err)
	}

	rbuf := make([]byte, g.PgSize+g.PgOOBSize())
	rcmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 2, 1, 0)}
	if err := SyncIO(ch, rcmd, rbuf, CmdReadPg); err != nil {
		t.Fatalf("read: %v", err)
	}
	for i := range rbuf {
		if rbuf[i] != byte(i) {
			t.Fatalf("byte %d: got %#x want %#x", i, rbuf[i], byte(i))
		}
	}
}

func TestSyncIO_DefaultsFromGeometry(t *testing.T) {
	m := newFakeMM()
	ch := fakeChannel(m)

	cmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 1, 0, 0)}
	if err := SyncIO(ch, cmd, nil, CmdWritePg); err != nil {
		t.Fatalf("write with defaults: %v", err)
	}
	if cmd.SecSz != m.geo.SecSize() || cmd.NSectors != m.geo.SecsPerPg {
		t.Fatalf("defaults not applied: %+v", cmd)
	}
	if cmd.MDSz != m.geo.PgOOBSize() {
		t.Fatalf("oob default not applied: %d", cmd.MDSz)
	}
}

func TestSyncIO_EraseNeedsNoBuffer(t *testing.T) {
	m := newFakeMM()
	ch := fakeChannel(m)

	cmd := &MediaCommand{PPA: NewPPA(0, 0, 1, 3, 0, 0)}
	if err := SyncIO(ch, cmd, nil, CmdEraseBlk); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if len(m.erased) != 1 || m.erased[0].Blk() != 3 || m.erased[0].Pl() != 1 {
		t.Fatalf("erase not routed: %v", m.erased)
	}
}

func TestSyncIO_Timeout(t *testing.T) {
	old := SyncIOTimeout
	SyncIOTimeout = 20 * time.Millisecond
	defer func() { SyncIOTimeout = old }()

	m := newFakeMM()
	m.drop = true
	ch := fakeChannel(m)

	cmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 1, 0, 0)}
	err := SyncIO(ch, cmd, nil, CmdWritePg)
	if err != ErrSyncTimeout {
		t.Fatalf("want timeout, got %v", err)
	}
	if cmd.Status != IOTimeout {
		t.Fatalf("status = %d", cmd.Status)
	}
}

func TestSyncIO_FailedCompletion(t *testing.T) {
	m := newFakeMM()
	m.fail = true
	ch := fakeChannel(m)

	cmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 1, 0, 0)}
	if err := SyncIO(ch, cmd, nil, CmdWritePg); err == nil {
		t.Fatal("failed media completion must error")
	}
}

func TestMultiPlaneSyncIO_SharedGroup(t *testing.T) {
	m := newFakeMM()
	ch := fakeChannel(m)
	g := &m.geo

	cmds := make([]MediaCommand, g.Planes)
	for pl := range cmds {
		cmds[pl].PPA = NewPPA(0, 0, 0, 2, 0, 0)
	}
	if err := MultiPlaneSyncIO(ch, cmds, nil, CmdEraseBlk); err != nil {
		t.Fatalf("multi-plane erase: %v", err)
	}
	if len(m.erased) != g.Planes {
		t.Fatalf("erases = %d, want %d", len(m.erased), g.Planes)
	}
	for pl, p := range m.erased {
		if p.Pl() != pl {
			t.Fatalf("plane %d erased as %v", pl, p)
		}
	}
}

func TestSyncIOVec_SGL(t *testing.T) {
	m := newFakeMM()
	ch := fakeChannel(m)
	g := &m.geo

	bufs := make([][]byte, g.SecsPerPg)
	for i := range bufs {
		bufs[i] = make([]byte, g.SecSize())
		for j := range bufs[i] {
			bufs[i][j] = byte(i + 1)
		}
	}
	oob := make([]byte, g.PgOOBSize())
	oob[0] = 0x42

	wcmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 2, 0, 0)}
	if err := SyncIOVec(ch, wcmd, bufs, oob, CmdWriteSGL); err != nil {
		t.Fatalf("sgl write: %v", err)
	}

	rbufs := make([][]byte, g.SecsPerPg)
	for i := range rbufs {
		rbufs[i] = make([]byte, g.SecSize())
	}
	roob := make([]byte, g.PgOOBSize())
	rcmd := &MediaCommand{PPA: NewPPA(0, 0, 0, 2, 0, 0)}
	if err := SyncIOVec(ch, rcmd, rbufs, roob, CmdReadSGL); err != nil {
		t.Fatalf("sgl read: %v", err)
	}
	for i := range rbufs {
		if rbufs[i][0] != byte(i+1) {
			t.Fatalf("sector %d: got %#x", i, rbufs[i][0])
		}
	}
	if roob[0] != 0x42 {
		t.Fatalf("oob lost: %#x", roob[0])
	}
}
