package ftl

import (
	"fmt"
	"log"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// PPA I/O
// ───────────────────────────────────────────────────────────────────────────
//
// Splits a host-level command's sector list into per-page media commands
// (consecutive sectors sharing one (ch, lun, blk, pg, pl) become one
// command), stamps per-sector OOB records on writes, submits everything
// asynchronously, and accounts completions until the whole command is
// processed.

// ppaPrepare groups the command's PPA list into media commands. Sectors
// must already be ordered so that page runs are consecutive.
func ppaPrepare(f *AppFTL, cmd *nvm.IOCommand) error {
	pg := 0
	start := 0

	flushRun := func(end int) error {
		n := end - start
		if n == 0 {
			return nil
		}
		lch := f.channel(cmd.PPAList[start].Ch())
		if lch == nil {
			return fmt.Errorf("ftl: ppa on unknown channel %d", cmd.PPAList[start].Ch())
		}
		g := lch.ch.Geo
		if n > g.SecsPerPg {
			return fmt.Errorf("ftl: %d sectors exceed plane page", n)
		}

		mc := &cmd.MediaCmds[pg]
		*mc = nvm.MediaCommand{
			IO:       cmd,
			Channel:  lch.ch,
			PPA:      cmd.PPAList[start].WithSec(0).WithCh(lch.ch.MmgrID),
			Type:     cmd.Type,
			Status:   nvm.IOProcess,
			PgIndex:  pg,
			NSectors: n,
			SecSz:    g.SecSize(),
			MDSz:     g.PgOOBSize(),
			// Buffers bind by sector position within the page; sectors
			// absent from this command stay nil and the media manager
			// skips them.
			Bufs: make([][]byte, g.SecsPerPg),
			OOB:  make([]byte, g.PgOOBSize()),
		}
		for i := 0; i < n; i++ {
			sec := cmd.PPAList[start+i].Sec()
			if sec >= g.SecsPerPg {
				return fmt.Errorf("ftl: sector %d out of page range", sec)
			}
			mc.Bufs[sec] = cmd.Prps[start+i]
			if cmd.Type == nvm.CmdWritePg {
				nvm.PutSecOOB(mc.OOB, sec, g.SecOOBSize, nvm.SecOOB{
					LBA: cmd.MapPairs[start+i].LBA,
					Typ: oobTypeOf(cmd, start+i),
				})
			}
		}
		pg++
		start = end
		return nil
	}

	for i := 1; i <= cmd.NSec; i++ {
		if i == cmd.NSec || !cmd.PPAList[i].SamePage(cmd.PPAList[i-1]) {
			if err := flushRun(i); err != nil {
				return err
			}
		}
	}

	cmd.Status.TotalPgs = pg
	cmd.Status.PgsP = 0
	cmd.Status.PgsS = 0
	cmd.Status.PgErrors = 0
	cmd.Status.Status = nvm.IOProcess
	cmd.Status.NVMe = nvm.NVMeSuccess
	return nil
}

// oobTypeOf distinguishes padding sectors (bound to no LBA) from host
// data. The scheduler records padding by an all-ones pair.
func oobTypeOf(cmd *nvm.IOCommand, sec int) nvm.PgType {
	if cmd.MapPairs[sec].PPA == nvm.AND64 {
		return nvm.PgPadding
	}
	return nvm.PgNamespace
}

// ppaSubmit issues every media command of a prepared host command.
func ppaSubmit(f *AppFTL, cmd *nvm.IOCommand) error {
	if err := ppaPrepare(f, cmd); err != nil {
		return err
	}
	for pg := 0; pg < cmd.Status.TotalPgs; pg++ {
		mc := &cmd.MediaCmds[pg]
		if err := nvm.SubmitMedia(mc); err != nil {
			// Account unsubmitted pages as failed so the command still
			// completes exactly once.
			cmd.Mu.Lock()
			cmd.Status.PgsP++
			cmd.Status.PgErrors++
			cmd.Status.Status = nvm.IOFail
			cmd.Status.NVMe = nvm.NVMeDataTrasError
			done := cmd.Status.PgsP == cmd.Status.TotalPgs
			cmd.Mu.Unlock()
			log.Printf("[appnvm (ppa_io): submit pg %d: %v]", pg, err)
			if done && cmd.Done != nil {
				cmd.Done(cmd)
			}
		}
	}
	return nil
}

// ppaCallback accounts one completed media command and finishes the host
// command when the last page lands. A failed write retires the open block
// and invalidates the page so the in-block sequential-write invariant
// holds.
func (f *AppFTL) ppaCallback(mc *nvm.MediaCommand) {
	cmd := mc.IO
	if cmd == nil {
		return
	}

	if mc.Status != nvm.IOSuccess && mc.Type == nvm.CmdWritePg {
		lch := f.channel(mcAppCh(f, mc))
		if lch != nil {
			appPPA := mc.PPA.WithCh(lch.id)
			lch.prov.retire(appPPA)
			if err := lch.bmd.invalidate(appPPA, InvPage); err != nil {
				log.Printf("[appnvm (ppa_io): invalidate failed page: %v]", err)
			}
		}
	}

	cmd.Mu.Lock()
	cmd.Status.PgsP++
	if mc.Status == nvm.IOSuccess {
		cmd.Status.PgsS++
	} else {
		cmd.Status.PgErrors++
		cmd.Status.Status = nvm.IOFail
		if cmd.Status.NVMe == nvm.NVMeSuccess {
			cmd.Status.NVMe = nvm.NVMeDataTrasError
		}
	}
	done := cmd.Status.PgsP == cmd.Status.TotalPgs
	if done && cmd.Status.Status == nvm.IOProcess {
		cmd.Status.Status = nvm.IOSuccess
	}
	cmd.Mu.Unlock()

	if done && cmd.Done != nil {
		cmd.Done(cmd)
	}
}

// mcAppCh maps a media command's manager-local channel back to the FTL
// channel id.
func mcAppCh(f *AppFTL, mc *nvm.MediaCommand) int {
	if mc.Channel != nil {
		return mc.Channel.ID
	}
	return mc.PPA.Ch()
}
