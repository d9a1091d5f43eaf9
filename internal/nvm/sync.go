package nvm

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Synchronous media helper
// ───────────────────────────────────────────────────────────────────────────
//
// Bootstrap and metadata paths need media I/O that blocks until the device
// completes. A command is bound to a CompletionGroup; the media callback
// releases the group and the issuing goroutine spins on it with a wall-clock
// bound. Multi-plane helpers share one group across all planes so every
// waiter returns only when the whole plane set has completed.

// SyncIOTimeout bounds one synchronous media operation.
var SyncIOTimeout = 10 * time.Second

var (
	ErrBadCmdType  = errors.New("nvm: unknown media command type")
	ErrSyncTimeout = errors.New("nvm: synchronous I/O timed out")
)

// CompletionGroup counts outstanding media commands. Multiple waiters may
// block on the same group; one release per command.
type CompletionGroup struct {
	mu    sync.Mutex
	count int
}

// Add registers n outstanding completions.
func (g *CompletionGroup) Add(n int) {
	g.mu.Lock()
	g.count += n
	g.mu.Unlock()
}

// Done signals one completion.
func (g *CompletionGroup) Done() {
	g.mu.Lock()
	g.count--
	g.mu.Unlock()
}

// Pending returns the number of outstanding completions.
func (g *CompletionGroup) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}

// Wait blocks until the count reaches zero or the deadline passes.
func (g *CompletionGroup) Wait(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if g.Pending() <= 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Microsecond)
	}
}

// syncPrepare fills command defaults from the channel geometry and, for
// data commands without bound buffers, slices the flat buffer into
// per-sector views plus the OOB tail. A nil buffer is allocated on demand.
func syncPrepare(ch *Channel, cmd *MediaCommand, buf []byte) error {
	if ch == nil {
		return fmt.Errorf("nvm: sync I/O without channel")
	}
	g := ch.Geo

	if cmd.Sync == nil {
		cmd.Sync = &CompletionGroup{}
	}
	cmd.Channel = ch
	cmd.PPA = cmd.PPA.WithCh(ch.MmgrID)

	if cmd.Type == CmdEraseBlk {
		return nil
	}

	if cmd.SecSz == 0 {
		cmd.SecSz = g.SecSize()
	}
	if cmd.MDSz == 0 {
		cmd.MDSz = g.PgOOBSize()
	}
	if cmd.NSectors == 0 {
		cmd.NSectors = g.SecsPerPg
	}

	if cmd.Bufs != nil {
		// SGL form: per-sector buffers already bound by SyncIOVec.
		return nil
	}

	if buf == nil {
		buf = make([]byte, g.PgSize+g.PgOOBSize())
	}
	if len(buf) < cmd.SecSz*cmd.NSectors+cmd.MDSz {
		return fmt.Errorf("nvm: sync I/O buffer too small: %d", len(buf))
	}

	cmd.Bufs = make([][]byte, cmd.NSectors)
	for i := 0; i < cmd.NSectors; i++ {
		cmd.Bufs[i] = buf[i*cmd.SecSz : (i+1)*cmd.SecSz]
	}
	cmd.OOB = buf[cmd.SecSz*cmd.NSectors : cmd.SecSz*cmd.NSectors+cmd.MDSz]

	return nil
}

// SyncIO submits one media command to a channel and blocks until it
// completes or times out. The buffer layout is page data followed by the
// page OOB area; pass nil to let the helper allocate a scratch buffer.
// On timeout the caller must not reuse the buffer.
func SyncIO(ch *Channel, cmd *MediaCommand, buf []byte, typ CmdType) error {
	switch typ {
	case CmdReadSGL:
		typ = CmdReadPg
	case CmdWriteSGL:
		typ = CmdWritePg
	}
	cmd.Type = typ

	if err := syncPrepare(ch, cmd, buf); err != nil {
		return err
	}

	cmd.Sync.Add(1)
	cmd.Status = IOProcess

	if err := SubmitMedia(cmd); err != nil {
		cmd.Sync.Done()
		return fmt.Errorf("nvm: sync submit 0x%x: %w", uint8(typ), err)
	}

	if !cmd.Sync.Wait(SyncIOTimeout) {
		cmd.Status = IOTimeout
		return ErrSyncTimeout
	}
	if cmd.Status != IOSuccess {
		return fmt.Errorf("nvm: sync I/O 0x%x failed at %v", uint8(typ), cmd.PPA)
	}
	return nil
}

// SyncIOVec is the scatter-gather form of SyncIO: one buffer per sector
// plus the page OOB buffer.
func SyncIOVec(ch *Channel, cmd *MediaCommand, bufs [][]byte, oob []byte, typ CmdType) error {
	g := ch.Geo
	if cmd.NSectors == 0 {
		cmd.NSectors = g.SecsPerPg
	}
	if len(bufs) < cmd.NSectors {
		return fmt.Errorf("nvm: SGL vector too short: %d < %d", len(bufs), cmd.NSectors)
	}
	if cmd.SecSz == 0 {
		cmd.SecSz = g.SecSize()
	}
	if cmd.MDSz == 0 {
		cmd.MDSz = g.PgOOBSize()
	}
	cmd.Bufs = bufs[:cmd.NSectors]
	cmd.OOB = oob
	return SyncIO(ch, cmd, nil, typ)
}

// MultiPlaneSyncIO issues the same operation on every plane of a page or
// block, all sharing one completion group, and returns once the whole
// plane set has completed. The buffer must hold planes×(page+OOB) bytes
// for data commands.
func MultiPlaneSyncIO(ch *Channel, cmds []MediaCommand, buf []byte, typ CmdType) error {
	g := ch.Geo
	if len(cmds) < g.Planes {
		return fmt.Errorf("nvm: multi-plane needs %d commands", g.Planes)
	}

	group := &CompletionGroup{}
	plSz := g.PgSize + g.PgOOBSize()

	issued := 0
	var submitErr error
	for pl := 0; pl < g.Planes; pl++ {
		cmd := &cmds[pl]
		cmd.PPA = cmd.PPA.WithPl(pl)
		cmd.Type = typ
		cmd.Sync = group

		var plBuf []byte
		if typ != CmdEraseBlk && buf != nil {
			plBuf = buf[pl*plSz : (pl+1)*plSz]
		}
		if err := syncPrepare(ch, cmd, plBuf); err != nil {
			submitErr = err
			break
		}

		group.Add(1)
		cmd.Status = IOProcess
		if err := SubmitMedia(cmd); err != nil {
			group.Done()
			submitErr = fmt.Errorf("nvm: multi-plane submit pl %d: %w", pl, err)
			break
		}
		issued++
	}

	if !group.Wait(SyncIOTimeout) {
		for pl := 0; pl < issued; pl++ {
			cmds[pl].Status = IOTimeout
		}
		return ErrSyncTimeout
	}
	if submitErr != nil {
		return submitErr
	}
	for pl := 0; pl < g.Planes; pl++ {
		if cmds[pl].Status != IOSuccess {
			return fmt.Errorf("nvm: multi-plane 0x%x failed at %v",
				uint8(typ), cmds[pl].PPA)
		}
	}
	return nil
}
