package ftl

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/openchannelio/oxnvm/internal/mq"
	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// LBA I/O scheduler
// ───────────────────────────────────────────────────────────────────────────
//
// Host commands are exploded into per-sector units and queued to a
// two-queue MQ (writes on 0, reads on 1). Each queue's single consumer
// accumulates sectors in a line until a full media command's worth is
// ready or the queue runs empty, then flushes the line as one PPA I/O:
// writes reserve pages from the global provisioner and defer their map
// upserts until the media reports success; reads resolve through the map.

const (
	lbaWriteQ = 0
	lbaReadQ  = 1

	// lbaPPASize is the sector capacity of one PPA I/O.
	lbaPPASize = nvm.MaxSectors

	// lbaEmptyWait is how long a partial line waits for more sectors
	// before flushing short.
	lbaEmptyWait = 200 * time.Microsecond

	// lbaQueueTO bounds a sector's life in the queue.
	lbaQueueTO = 2 * time.Second
)

// lbaSec is one host sector traveling through the scheduler.
type lbaSec struct {
	lbaID  int // position within the host command
	nvme   *nvm.IOCommand
	lba    uint64
	ppa    nvm.PPA
	prp    []byte
	qtype  int
	mentry *mq.Entry
}

// lbaCmd wraps one PPA I/O built from a flushed line.
type lbaCmd struct {
	cmd  nvm.IOCommand
	vec  [lbaPPASize]*lbaSec
	prov *provPPAs
	nlb  int // bound sectors; the rest of cmd.NSec is padding
}

type lbaIO struct {
	f  *AppFTL
	mq *mq.MQ

	secMu   sync.Mutex
	freeSec []*lbaSec

	cmdMu   sync.Mutex
	freeCmd []*lbaCmd

	// rw lines are touched only by the per-queue SQ consumers.
	line [2][]*lbaSec

	secPlPg int
}

func newLbaIO(f *AppFTL) (*lbaIO, error) {
	chans := f.channelList()
	secPl := chans[0].ch.Geo.SecPerPlPg()
	for _, lch := range chans {
		if s := lch.ch.Geo.SecPerPlPg(); s < secPl {
			secPl = s
		}
	}

	l := &lbaIO{f: f, secPlPg: secPl}
	l.line[lbaWriteQ] = make([]*lbaSec, 0, lbaPPASize)
	l.line[lbaReadQ] = make([]*lbaSec, 0, lbaPPASize)

	for i := 0; i < f.params.LBAIOEntries; i++ {
		l.freeCmd = append(l.freeCmd, &lbaCmd{})
		for j := 0; j < lbaPPASize; j++ {
			l.freeSec = append(l.freeSec, &lbaSec{})
		}
	}

	q, err := mq.New(mq.Config{
		Name:    "LBA_IO",
		NQueues: 2,
		QSize:   f.params.LBAIOEntries * 128,
		SQ:      l.secSQ,
		CQ:      l.secCQ,
		TO:      l.secTO,
		ToUsec:  lbaQueueTO,
	})
	if err != nil {
		return nil, err
	}
	l.mq = q

	log.Printf("[appnvm: LBA I/O started]")
	return l, nil
}

func (l *lbaIO) exit() {
	l.mq.Destroy()
}

// ───────────────────────────────────────────────────────────────────────────
// Host submission
// ───────────────────────────────────────────────────────────────────────────

// submit explodes a host command into sector units and queues them. The
// pull is all-or-nothing: when the sector pool cannot cover the command
// the host sees CAP_EXCEEDED and may retry.
func (l *lbaIO) submit(cmd *nvm.IOCommand) error {
	qtype := lbaReadQ
	if cmd.Type == nvm.CmdWritePg {
		qtype = lbaWriteQ
	}

	l.secMu.Lock()
	if len(l.freeSec) < cmd.NSec {
		l.secMu.Unlock()
		cmd.Status.Status = nvm.IOFail
		cmd.Status.NVMe = nvm.NVMeCapExceeded
		return fmt.Errorf("ftl: sector pool exhausted")
	}
	secs := l.freeSec[:cmd.NSec]
	l.freeSec = l.freeSec[cmd.NSec:]
	l.secMu.Unlock()

	for i, sec := range secs {
		*sec = lbaSec{
			lbaID: i,
			nvme:  cmd,
			lba:   cmd.SLBA + uint64(i),
			prp:   cmd.Prps[i],
			qtype: qtype,
		}
	}

	for i, sec := range secs {
		if err := l.mq.Submit(qtype, sec); err != nil {
			// Sectors already queued complete through the callback; the
			// rest return to the pool and fail the command.
			cmd.Status.Status = nvm.IOFail
			cmd.Status.NVMe = nvm.NVMeCapExceeded
			for _, rest := range secs[i:] {
				cmd.Mu.Lock()
				cmd.Status.PgsP++
				cmd.Mu.Unlock()
				l.recycleSec(rest)
			}
			if i == 0 {
				return err
			}
			return nil
		}
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Per-sector SQ consumer
// ───────────────────────────────────────────────────────────────────────────

func (l *lbaIO) secSQ(entry *mq.Entry) {
	sec := entry.Opaque.(*lbaSec)
	sec.mentry = entry

	l.line[sec.qtype] = append(l.line[sec.qtype], sec)

	used := l.mq.UsedCount(sec.qtype)
	if used == 0 {
		// Nothing else queued; give late sectors a moment to batch up.
		time.Sleep(lbaEmptyWait)
		used = l.mq.UsedCount(sec.qtype)
	}

	if len(l.line[sec.qtype]) == lbaPPASize || used == 0 {
		if err := l.flushLine(sec.qtype); err != nil {
			l.failLine(sec.qtype, err)
		}
		l.line[sec.qtype] = l.line[sec.qtype][:0]
	}
}

// flushLine turns the accumulated line into one PPA I/O.
func (l *lbaIO) flushLine(qtype int) error {
	if len(l.line[qtype]) == 0 {
		return nil
	}

	l.cmdMu.Lock()
	if len(l.freeCmd) == 0 {
		l.cmdMu.Unlock()
		return fmt.Errorf("ftl: command pool exhausted")
	}
	lcmd := l.freeCmd[len(l.freeCmd)-1]
	l.freeCmd = l.freeCmd[:len(l.freeCmd)-1]
	l.cmdMu.Unlock()

	lcmd.cmd.Reset()
	lcmd.vec = [lbaPPASize]*lbaSec{}
	lcmd.prov = nil
	lcmd.nlb = 0

	var err error
	if qtype == lbaWriteQ {
		err = l.lineWrite(lcmd)
	} else {
		err = l.lineRead(lcmd)
	}
	if err != nil {
		l.recycleCmd(lcmd)
		return err
	}
	return nil
}

// failLine completes every sector of the line with a failure status.
func (l *lbaIO) failLine(qtype int, err error) {
	status := nvm.NVMeDataTrasError
	if err == ErrNoAvailableBlock || err == ErrNoActiveChannel {
		status = nvm.NVMeCapExceeded
	}
	for _, sec := range l.line[qtype] {
		host := sec.nvme
		if host != nil {
			host.Mu.Lock()
			host.Status.Status = nvm.IOFail
			host.Status.NVMe = status
			host.Mu.Unlock()
		}
		l.completeSec(sec)
	}
}

// completeSec pushes a sector through the MQ completion side; a late
// completion for a timed-out sector recycles it directly.
func (l *lbaIO) completeSec(sec *lbaSec) {
	if err := l.mq.Complete(sec.mentry); err != nil {
		if err == mq.ErrTimeoutBack {
			l.recycleSec(sec)
			return
		}
		log.Printf("[appnvm (lba_io): complete: %v]", err)
		l.recycleSec(sec)
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Line flushes
// ───────────────────────────────────────────────────────────────────────────

// lineWrite provisions pages for the line, pads the tail of the last
// plane-page, and submits the media write. Map upserts wait for success.
func (l *lbaIO) lineWrite(lcmd *lbaCmd) error {
	line := l.line[lbaWriteQ]
	nlb := len(line)

	npgs := nlb / l.secPlPg
	if nlb%l.secPlPg > 0 {
		npgs++
	}

	prov, err := l.f.glProv.getPPAList(npgs)
	if err != nil {
		return err
	}

	lcmd.prov = prov
	lcmd.nlb = nlb
	cmd := &lcmd.cmd
	cmd.Type = nvm.CmdWritePg
	cmd.NSec = npgs * l.secPlPg
	cmd.Done = func(*nvm.IOCommand) { l.lbaCallback(lcmd) }

	for i, sec := range line {
		ppa := prov.ppas[i]
		sec.ppa = ppa
		cmd.PPAList[i] = ppa
		cmd.Prps[i] = sec.prp
		cmd.MapPairs[i] = nvm.MapPair{LBA: sec.lba, PPA: ppa}
		lcmd.vec[i] = sec

		// Reserve the (lba, new ppa) pair in the host command so the
		// map only changes after full success.
		host := sec.nvme
		host.MapPairs[sec.lbaID] = nvm.MapPair{LBA: sec.lba, PPA: ppa}
	}

	// Pad the residual slots of the last plane-page with the first
	// sector's payload; padding pairs carry the all-ones marker.
	for i := nlb; i < cmd.NSec; i++ {
		cmd.PPAList[i] = prov.ppas[i]
		cmd.Prps[i] = line[0].prp
		cmd.MapPairs[i] = nvm.MapPair{LBA: 0, PPA: nvm.AND64}
	}

	if err := ppaSubmit(l.f, cmd); err != nil {
		l.f.glProv.freePPAList(prov)
		lcmd.prov = nil
		return err
	}
	return nil
}

// lineRead resolves every sector through the map and submits the media
// read. Unmapped sectors return zeroes without touching the media; a map
// failure aborts the whole batch.
func (l *lbaIO) lineRead(lcmd *lbaCmd) error {
	line := l.line[lbaReadQ]

	cmd := &lcmd.cmd
	cmd.Type = nvm.CmdReadPg
	cmd.Done = func(*nvm.IOCommand) { l.lbaCallback(lcmd) }

	// Resolve the whole line first; a map failure aborts the batch with
	// no sector completed yet.
	n := 0
	var virtual []*lbaSec
	for _, sec := range line {
		ppa, err := l.f.gMap.read(sec.lba)
		if err != nil {
			return err
		}
		if ppa == 0 {
			// Never written: the host sees zeroes.
			for i := range sec.prp {
				sec.prp[i] = 0
			}
			virtual = append(virtual, sec)
			continue
		}
		sec.ppa = ppa
		cmd.PPAList[n] = ppa
		cmd.Prps[n] = sec.prp
		lcmd.vec[n] = sec
		n++
	}
	cmd.NSec = n
	lcmd.nlb = n

	if n > 0 {
		if err := ppaSubmit(l.f, cmd); err != nil {
			return err
		}
	}
	for _, sec := range virtual {
		l.completeSec(sec)
	}
	if n == 0 {
		l.recycleCmd(lcmd)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Completion path
// ───────────────────────────────────────────────────────────────────────────

// lbaCallback runs when the underlying PPA I/O has fully processed: the
// media status propagates to every bound host command and each sector
// flows to the per-sector completion consumer.
func (l *lbaIO) lbaCallback(lcmd *lbaCmd) {
	cmd := &lcmd.cmd

	if cmd.Type == nvm.CmdWritePg && cmd.Status.Status == nvm.IOSuccess {
		// Padding never carries data: mark those sectors invalid so the
		// collector reclaims them.
		for i := lcmd.nlb; i < cmd.NSec; i++ {
			ppa := cmd.PPAList[i]
			if lch := l.f.channel(ppa.Ch()); lch != nil {
				if err := lch.bmd.invalidate(ppa, InvSector); err != nil {
					log.Printf("[appnvm (lba_io): pad invalidate: %v]", err)
				}
			}
		}
	}

	for i := 0; i < lcmd.nlb; i++ {
		sec := lcmd.vec[i]
		if sec == nil {
			continue
		}
		host := sec.nvme
		if host != nil {
			host.Mu.Lock()
			if host.Status.Status != nvm.IOFail {
				host.Status.Status = cmd.Status.Status
				host.Status.NVMe = cmd.Status.NVMe
			}
			host.Mu.Unlock()
		}
		l.completeSec(sec)
	}

	if cmd.Type == nvm.CmdWritePg && lcmd.prov != nil {
		l.f.glProv.freePPAList(lcmd.prov)
		lcmd.prov = nil
	}
	l.recycleCmd(lcmd)
}

// secCQ is the per-sector completion consumer: it advances the host
// command's progress and, once every sector has landed, performs the
// deferred map upserts (writes) and completes the command upward.
func (l *lbaIO) secCQ(opaque interface{}) {
	sec := opaque.(*lbaSec)
	host := sec.nvme
	if host == nil {
		l.recycleSec(sec)
		return
	}

	host.Mu.Lock()
	if host.Status.Status == nvm.IOTimeout {
		host.Mu.Unlock()
		l.recycleSec(sec)
		return
	}
	host.Status.PgsP++
	done := host.Status.PgsP == host.NSec
	success := host.Status.Status == nvm.IOSuccess
	host.Mu.Unlock()

	qtype := sec.qtype
	l.recycleSec(sec)

	if !done {
		return
	}
	if qtype == lbaWriteQ && success {
		l.upsertMap(host)
	}
	l.f.complete(host)
}

// upsertMap applies the host command's reserved (lba, ppa) pairs in two
// phases: bind everything, then invalidate the previous locations. Any
// failure rolls the bindings back and marks the new locations invalid.
func (l *lbaIO) upsertMap(host *nvm.IOCommand) {
	gm := l.f.gMap
	gm.nsMu.Lock()
	defer gm.nsMu.Unlock()

	var newPPAs [nvm.MaxSectors]nvm.PPA
	var oldPPAs [nvm.MaxSectors]nvm.PPA

	rollback := func(n int) {
		for j := 0; j < n; j++ {
			pair := &host.MapPairs[j]
			if _, err := gm.upsert(pair.LBA, oldPPAs[j]); err != nil {
				log.Printf("[appnvm (lba_io): rollback lba %d: %v]", pair.LBA, err)
			}
			l.invalidateSec(newPPAs[j])
		}
		// Sectors from the failing one on were written but never bound.
		for j := n; j < host.NSec; j++ {
			l.invalidateSec(host.MapPairs[j].PPA)
		}
		host.Mu.Lock()
		host.Status.Status = nvm.IOFail
		host.Status.NVMe = nvm.NVMeInternalDevErr
		host.Mu.Unlock()
	}

	for i := 0; i < host.NSec; i++ {
		pair := &host.MapPairs[i]
		newPPAs[i] = pair.PPA
		old, err := gm.upsert(pair.LBA, pair.PPA)
		if err != nil {
			rollback(i)
			return
		}
		oldPPAs[i] = old
	}

	// All bindings took: retire the previous copies.
	for i := 0; i < host.NSec; i++ {
		if oldPPAs[i] != 0 {
			l.invalidateSec(oldPPAs[i])
		}
		host.MapPairs[i].PPA = oldPPAs[i]
	}
}

func (l *lbaIO) invalidateSec(ppa nvm.PPA) {
	if ppa == 0 || ppa == nvm.AND64 {
		return
	}
	if lch := l.f.channel(ppa.Ch()); lch != nil {
		if err := lch.bmd.invalidate(ppa, InvSector); err != nil {
			log.Printf("[appnvm (lba_io): invalidate %v: %v]", ppa, err)
		}
	}
}

// secTO receives sectors whose queue life expired: the host command is
// marked timed out and the binding cleared; the host completion happens
// at the controller queue level.
func (l *lbaIO) secTO(batch []interface{}) {
	for _, opaque := range batch {
		sec := opaque.(*lbaSec)
		host := sec.nvme
		if host != nil {
			log.Printf("[appnvm (lba_io): TIMEOUT lba %d]", sec.lba)
			host.Mu.Lock()
			host.Status.Status = nvm.IOTimeout
			host.Status.NVMe = nvm.NVMeMediaTimeout
			host.Status.PgsP++
			host.Mu.Unlock()
		}
		sec.nvme = nil
		sec.lba = 0
		sec.ppa = 0
		sec.prp = nil
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Pools
// ───────────────────────────────────────────────────────────────────────────

func (l *lbaIO) recycleSec(sec *lbaSec) {
	*sec = lbaSec{}
	l.secMu.Lock()
	l.freeSec = append(l.freeSec, sec)
	l.secMu.Unlock()
}

func (l *lbaIO) recycleCmd(lcmd *lbaCmd) {
	lcmd.prov = nil
	l.cmdMu.Lock()
	l.freeCmd = append(l.freeCmd, lcmd)
	l.cmdMu.Unlock()
}
