// Package controller wires the storage engine together: it registers
// media managers and FTLs, builds the channel table and the global
// namespace, routes host commands into the FTL submission queues, and
// completes them back to the host. It also owns the periodic metadata
// checkpoint scheduler and the Prometheus collectors.
package controller

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/openchannelio/oxnvm/internal/mq"
	"github.com/openchannelio/oxnvm/internal/nvm"
)

const (
	// queueRetry bounds FTL queue submissions before giving up.
	queueRetry      = 16
	queueRetrySleep = 100 * time.Microsecond

	// ftlQueueTO bounds a host command's life in the FTL queue; it sits
	// above the LBA scheduler's own timeout so inner timeouts surface
	// first.
	ftlQueueTO = 4 * time.Second
)

// HostRequest is the host-side context of a command; Done receives the
// NVMe status exactly once.
type HostRequest struct {
	Done func(status uint16)
}

type ftlReg struct {
	ftl nvm.FTL
	mq  *mq.MQ

	qMu   sync.Mutex
	nextQ [2]int // round-robin cursors: writes, reads
}

// Core is the controller instance.
type Core struct {
	Serial uuid.UUID

	queueSize int

	mu         sync.Mutex
	mmgrs      []nvm.MediaManager
	ftls       map[uint8]*ftlReg
	channels   []*nvm.Channel
	nsBytes    uint64
	nsSectors  uint64
	secSz      int
	stdFTL     uint8
	configured bool

	cron *cron.Cron

	reads  atomic.Int64
	writes atomic.Int64
}

// New creates an empty controller core.
func New(queueSize int) *Core {
	if queueSize < 1 {
		queueSize = 2048
	}
	return &Core{
		Serial:    uuid.New(),
		queueSize: queueSize,
		ftls:      make(map[uint8]*ftlReg),
	}
}

// RegisterMM adds a media manager.
func (c *Core) RegisterMM(m nvm.MediaManager) error {
	if err := m.Geometry().Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.mmgrs = append(c.mmgrs, m)
	c.mu.Unlock()
	log.Printf("[nvm: media manager registered: %s]", m.Name())
	return nil
}

// RegisterFTL adds an FTL and starts its multi-queue.
func (c *Core) RegisterFTL(f nvm.FTL) error {
	q, err := mq.New(mq.Config{
		Name:    f.Name(),
		NQueues: f.Queues(),
		QSize:   c.queueSize,
		SQ:      c.processSQ,
		CQ:      c.processCQ,
		TO:      c.processTO,
		ToUsec:  ftlQueueTO,
		Flags:   mq.ToComplete,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ftls[f.ID()] = &ftlReg{ftl: f, mq: q}
	if c.stdFTL == 0 {
		c.stdFTL = f.ID()
	}
	c.mu.Unlock()

	log.Printf("[nvm: FTL (%s)(%d) registered, %d queues]",
		f.Name(), f.ID(), f.Queues())
	return nil
}

// Config builds the channel table from every registered media manager,
// assigns channels to FTLs, sizes the namespace, and runs the FTL global
// initialization.
func (c *Core) Config() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.configured {
		return nil
	}
	if len(c.mmgrs) == 0 || len(c.ftls) == 0 {
		return fmt.Errorf("controller: nothing registered")
	}

	id := 0
	for _, m := range c.mmgrs {
		g := m.Geometry()
		infos, err := m.GetChInfo(g.Channels)
		if err != nil {
			return fmt.Errorf("controller: channel info: %w", err)
		}

		for i := 0; i < g.Channels; i++ {
			ch := &nvm.Channel{
				ID:      id,
				MmgrID:  i,
				Mmgr:    m,
				Geo:     g,
				Info:    infos[i],
				MmgrRsv: m.RsvBlkCount(),
			}
			for n := 0; n < ch.MmgrRsv; n++ {
				for pl := 0; pl < g.Planes; pl++ {
					ch.MmgrRsvList = append(ch.MmgrRsvList,
						nvm.NewPPA(i, 0, pl, n, 0, 0))
				}
			}

			if ch.Info.InUse != nvm.ChInUseFlag {
				ch.Info = nvm.ChannelInfo{
					NsID:   1,
					NsPart: uint32(id),
					FTLID:  c.stdFTL,
					InUse:  nvm.ChInUseFlag,
				}
				if err := m.SetChInfo(i, ch.Info); err != nil {
					return fmt.Errorf("controller: persist channel info: %w", err)
				}
			}

			reg, ok := c.ftls[ch.Info.FTLID]
			if !ok {
				return fmt.Errorf("controller: channel %d wants FTL %d",
					id, ch.Info.FTLID)
			}
			ch.FTL = reg.ftl

			if err := reg.ftl.InitCh(ch); err != nil {
				return fmt.Errorf("controller: FTL init channel %d: %w", id, err)
			}

			ch.TotBytes = ch.NsPgs * uint64(g.PgSize)
			ch.SLBA = c.nsBytes / uint64(g.SecSize())
			c.nsBytes += ch.TotBytes
			ch.ELBA = c.nsBytes/uint64(g.SecSize()) - 1

			c.channels = append(c.channels, ch)
			c.secSz = g.SecSize()
			id++
		}
	}
	c.nsSectors = c.nsBytes / uint64(c.secSz)

	// FTL global bring-up for every FTL that advertises it.
	for _, reg := range c.ftls {
		if reg.ftl.Cap()&nvm.CapInitFn != 0 {
			if err := reg.ftl.InitFn(0, nil); err != nil {
				return fmt.Errorf("controller: FTL %s global init: %w",
					reg.ftl.Name(), err)
			}
		}
	}

	c.configured = true
	log.Printf("[nvm: namespace: %d channels, %d sectors, serial %s]",
		len(c.channels), c.nsSectors, c.Serial)
	return nil
}

// NamespaceSectors returns the global namespace size in sectors.
func (c *Core) NamespaceSectors() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nsSectors
}

// SectorSize returns the host-visible sector size.
func (c *Core) SectorSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.secSz
}

// Channels returns the channel table.
func (c *Core) Channels() []*nvm.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*nvm.Channel(nil), c.channels...)
}

// ───────────────────────────────────────────────────────────────────────────
// Host command routing
// ───────────────────────────────────────────────────────────────────────────

// SubmitIO validates a host command, picks the FTL queue by command class
// (writes on the lower half, reads on the upper), and enqueues with
// bounded retry.
func (c *Core) SubmitIO(cmd *nvm.IOCommand) uint16 {
	req, _ := cmd.Req.(*HostRequest)
	fail := func(status uint16) uint16 {
		if req != nil && req.Done != nil {
			req.Done(status)
		}
		return status
	}

	c.mu.Lock()
	nsSectors := c.nsSectors
	nch := len(c.channels)
	c.mu.Unlock()

	if nch == 0 {
		return fail(nvm.NVMeInternalDevErr)
	}
	if cmd.NSec < 1 || cmd.NSec > nvm.MaxSectors {
		return fail(nvm.NVMeInvalidField)
	}

	// Host-supplied PPA commands: every address must land on a channel
	// managed by one and the same FTL.
	if cmd.PPAList[0] != 0 {
		return c.submitPPA(cmd, fail)
	}

	if cmd.SLBA+uint64(cmd.NSec) > nsSectors {
		log.Printf("[nvm: I/O out of bounds: slba %d, nsec %d]", cmd.SLBA, cmd.NSec)
		return fail(nvm.NVMeLBARange)
	}

	chIdx := int(cmd.SLBA / ((nsSectors + uint64(nch) - 1) / uint64(nch)))
	if chIdx >= nch {
		chIdx = nch - 1
	}
	c.mu.Lock()
	ch := c.channels[chIdx]
	c.mu.Unlock()
	cmd.Channels[0] = ch

	reg := c.reg(ch.FTL.ID())
	if reg == nil {
		return fail(nvm.NVMeInternalDevErr)
	}

	cmd.Status.Status = nvm.IOProcess
	cmd.Status.NVMe = nvm.NVMeSuccess

	if cmd.Type == nvm.CmdWritePg {
		c.writes.Add(1)
	} else {
		c.reads.Add(1)
	}

	qid := reg.schedule(cmd)
	for retry := queueRetry; retry > 0; retry-- {
		if err := reg.mq.Submit(qid, cmd); err == nil {
			return nvm.NVMeSuccess
		}
		time.Sleep(queueRetrySleep)
	}
	return fail(nvm.NVMeCmdAbortReq)
}

// submitPPA routes a command carrying its own physical addresses: the
// channels are validated against the table, multi-channel commands spread
// round-robin over every queue, single-channel commands pin to
// channel-id modulo queues.
func (c *Core) submitPPA(cmd *nvm.IOCommand, fail func(uint16) uint16) uint16 {
	c.mu.Lock()
	nch := len(c.channels)
	var ftl nvm.FTL
	multiCh := false
	for i := 0; i < cmd.NSec; i++ {
		chID := cmd.PPAList[i].Ch()
		if chID >= nch {
			c.mu.Unlock()
			log.Printf("[nvm: I/O failed, channel %d not found]", chID)
			return fail(nvm.NVMeCmdAbortReq)
		}
		ch := c.channels[chID]
		if ftl == nil {
			ftl = ch.FTL
		} else if ch.FTL != ftl {
			c.mu.Unlock()
			log.Printf("[nvm: I/O failed, channels do not match FTL]")
			return fail(nvm.NVMeInvalidField)
		}
		if chID != cmd.PPAList[0].Ch() {
			multiCh = true
		}
		cmd.Channels[i] = ch
	}
	c.mu.Unlock()

	reg := c.reg(ftl.ID())
	if reg == nil {
		return fail(nvm.NVMeInternalDevErr)
	}

	cmd.Status.Status = nvm.IOProcess
	cmd.Status.NVMe = nvm.NVMeSuccess

	var qid int
	if multiCh {
		reg.qMu.Lock()
		qid = reg.nextQ[0]
		reg.nextQ[0] = (reg.nextQ[0] + 1) % ftl.Queues()
		reg.qMu.Unlock()
	} else {
		qid = cmd.PPAList[0].Ch() % ftl.Queues()
	}

	for retry := queueRetry; retry > 0; retry-- {
		if err := reg.mq.Submit(qid, cmd); err == nil {
			return nvm.NVMeSuccess
		}
		time.Sleep(queueRetrySleep)
	}
	return fail(nvm.NVMeCmdAbortReq)
}

// schedule separates writes and reads into their queue halves with
// round-robin within each class.
func (r *ftlReg) schedule(cmd *nvm.IOCommand) int {
	nq := r.ftl.Queues()
	half := nq / 2

	r.qMu.Lock()
	defer r.qMu.Unlock()
	if cmd.Type == nvm.CmdWritePg {
		qid := r.nextQ[0] % half
		r.nextQ[0] = (qid + 1) % half
		return qid
	}
	qid := half + r.nextQ[1]
	r.nextQ[1] = (r.nextQ[1] + 1) % (nq - half)
	return qid
}

// processSQ hands a queued command to its FTL with bounded retry.
func (c *Core) processSQ(e *mq.Entry) {
	cmd := e.Opaque.(*nvm.IOCommand)
	cmd.MQReq = e

	ftl := cmd.Channels[0].FTL
	var err error
	for retry := queueRetry; retry > 0; retry-- {
		if err = ftl.SubmitIO(cmd); err == nil {
			return
		}
		time.Sleep(queueRetrySleep)
		cmd.Status.Status = nvm.IOProcess
	}

	log.Printf("[ftl: cmd %d not accepted: %v]", cmd.CID, err)
	cmd.Status.Status = nvm.IOFail
	if cmd.Status.NVMe == nvm.NVMeSuccess {
		cmd.Status.NVMe = nvm.NVMeCmdAbortReq
	}
	c.CompleteFTL(cmd)
}

// processCQ completes a command to the host callback.
func (c *Core) processCQ(opaque interface{}) {
	cmd := opaque.(*nvm.IOCommand)

	status := nvm.NVMeCmdAbortReq
	switch {
	case cmd.Status.Status == nvm.IOSuccess:
		status = nvm.NVMeSuccess
	case cmd.Status.NVMe != nvm.NVMeSuccess:
		status = cmd.Status.NVMe
	}

	if req, ok := cmd.Req.(*HostRequest); ok && req.Done != nil {
		req.Done(status)
	}
}

// processTO marks timed-out commands; the synthesized completion then
// carries the media-timeout status to the host.
func (c *Core) processTO(batch []interface{}) {
	for _, opaque := range batch {
		cmd := opaque.(*nvm.IOCommand)
		cmd.Mu.Lock()
		cmd.Status.Status = nvm.IOTimeout
		cmd.Status.NVMe = nvm.NVMeMediaTimeout
		cmd.Mu.Unlock()
	}
}

// CompleteFTL pushes a finished command through the completion queue with
// bounded retry.
func (c *Core) CompleteFTL(cmd *nvm.IOCommand) {
	reg := c.reg(cmd.Channels[0].FTL.ID())
	if reg == nil {
		return
	}
	entry, ok := cmd.MQReq.(*mq.Entry)
	if !ok {
		return
	}
	for retry := queueRetry; retry > 0; retry-- {
		err := reg.mq.Complete(entry)
		if err == nil || err == mq.ErrTimeoutBack {
			return
		}
		time.Sleep(queueRetrySleep)
	}
}

func (c *Core) reg(id uint8) *ftlReg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ftls[id]
}

// ───────────────────────────────────────────────────────────────────────────
// Capability dispatch
// ───────────────────────────────────────────────────────────────────────────

// CapBBTbl is the argument of the bad-block capability calls.
type CapBBTbl struct {
	PPA   nvm.PPA
	Buf   []byte
	Value uint8
}

// CapGlobalFn is the argument of the function capability calls.
type CapGlobalFn struct {
	FTLID uint8
	FnID  uint16
	Arg   interface{}
}

// CapExec dispatches a capability call to the owning FTL, verifying the
// capability bit first.
func (c *Core) CapExec(cap uint32, arg interface{}) error {
	switch cap {
	case nvm.CapGetBBT:
		a, ok := arg.(*CapBBTbl)
		if !ok {
			return fmt.Errorf("controller: bad capability argument")
		}
		ftl := c.ftlOfCh(a.PPA.Ch())
		if ftl == nil || ftl.Cap()&nvm.CapGetBBT == 0 {
			return fmt.Errorf("controller: get-bbt unsupported")
		}
		return ftl.GetBBT(a.PPA, a.Buf)

	case nvm.CapSetBBT:
		a, ok := arg.(*CapBBTbl)
		if !ok {
			return fmt.Errorf("controller: bad capability argument")
		}
		ftl := c.ftlOfCh(a.PPA.Ch())
		if ftl == nil || ftl.Cap()&nvm.CapSetBBT == 0 {
			return fmt.Errorf("controller: set-bbt unsupported")
		}
		return ftl.SetBBT(a.PPA, a.Value)

	case nvm.CapInitFn:
		a, ok := arg.(*CapGlobalFn)
		if !ok {
			return fmt.Errorf("controller: bad capability argument")
		}
		reg := c.reg(a.FTLID)
		if reg == nil || reg.ftl.Cap()&nvm.CapInitFn == 0 {
			return fmt.Errorf("controller: init-fn unsupported")
		}
		return reg.ftl.InitFn(a.FnID, a.Arg)

	case nvm.CapExitFn:
		a, ok := arg.(*CapGlobalFn)
		if !ok {
			return fmt.Errorf("controller: bad capability argument")
		}
		reg := c.reg(a.FTLID)
		if reg == nil || reg.ftl.Cap()&nvm.CapExitFn == 0 {
			return fmt.Errorf("controller: exit-fn unsupported")
		}
		reg.ftl.ExitFn(a.FnID)
		return nil
	}
	return fmt.Errorf("controller: unknown capability 0x%x", cap)
}

func (c *Core) ftlOfCh(ch int) nvm.FTL {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch < 0 || ch >= len(c.channels) {
		return nil
	}
	return c.channels[ch].FTL
}

// ───────────────────────────────────────────────────────────────────────────
// Lifecycle
// ───────────────────────────────────────────────────────────────────────────

// StartCheckpoint schedules the periodic metadata flush; an empty spec
// disables it.
func (c *Core) StartCheckpoint(spec string, fn func() error) error {
	if spec == "" {
		return nil
	}
	c.cron = cron.New()
	_, err := c.cron.AddFunc(spec, func() {
		if err := fn(); err != nil {
			log.Printf("[nvm: checkpoint: %v]", err)
		}
	})
	if err != nil {
		return fmt.Errorf("controller: checkpoint schedule %q: %w", spec, err)
	}
	c.cron.Start()
	return nil
}

// Close shuts the stack down in reverse dependency order.
func (c *Core) Close() {
	if c.cron != nil {
		ctx := c.cron.Stop()
		<-ctx.Done()
	}

	c.mu.Lock()
	regs := make([]*ftlReg, 0, len(c.ftls))
	for _, reg := range c.ftls {
		regs = append(regs, reg)
	}
	mmgrs := append([]nvm.MediaManager(nil), c.mmgrs...)
	c.mu.Unlock()

	for _, reg := range regs {
		if reg.ftl.Cap()&nvm.CapExitFn != 0 {
			reg.ftl.ExitFn(0)
		}
		reg.ftl.Exit()
		reg.mq.Destroy()
	}
	for _, m := range mmgrs {
		m.Exit()
	}
}
