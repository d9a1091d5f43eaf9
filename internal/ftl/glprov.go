package ftl

import (
	"sync"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Global provisioner
// ───────────────────────────────────────────────────────────────────────────
//
// Spreads page allocation across active channels round-robin from a
// rotating cursor, holding a busy reference on every channel that serves
// part of an allocation. A channel that fails to provision is flagged for
// collection, deactivated, and its share redistributed among the rest; an
// allocation either succeeds across the remaining channels or fails whole.

// provPPAs is one allocation: the flat interleaved address list plus the
// busy-held channels to release when the I/O completes.
type provPPAs struct {
	ppas  []nvm.PPA
	chans []*appChannel // index = channel id; nil entries hold no reference
	npgs  int
}

type glProv struct {
	f *AppFTL

	curMu sync.Mutex
	cur   int
}

func newGlProv(f *AppFTL) *glProv {
	return &glProv{f: f}
}

// getPPAList allocates npgs multi-plane pages spread over the active
// channels. The flat list interleaves whole plane-pages channel by
// channel, starting at the snapshot cursor, so sequential writers spread
// across channels first and planes second.
func (gp *glProv) getPPAList(npgs int) (*provPPAs, error) {
	chans := gp.f.channelList()
	nch := len(chans)
	if nch == 0 {
		return nil, ErrNoActiveChannel
	}

	res := &provPPAs{chans: make([]*appChannel, nch), npgs: npgs}

	// Snapshot active channels, taking busy references with the
	// double-check pattern.
	active := 0
	for i, lch := range chans {
		if lch.tryBusy() {
			res.chans[i] = lch
			active++
		}
	}
	if active == 0 {
		return nil, ErrNoActiveChannel
	}

	// Advance the shared cursor; the snapshot start stays local.
	gp.curMu.Lock()
	cc := gp.cur
	gp.cur = (gp.cur + npgs) % nch
	gp.curMu.Unlock()

	perCh := make([][]nvm.PPA, nch)
	left := npgs

	for left > 0 {
		// Distribute the remaining pages round-robin over the channels
		// still active, starting at the cursor.
		counts := make([]int, nch)
		idx := cc
		for n := left; n > 0; {
			if res.chans[idx] != nil {
				counts[idx]++
				n--
			}
			idx = (idx + 1) % nch
		}

		failed := false
		for i := 0; i < nch && !failed; i++ {
			ch := (cc + i) % nch
			lch := res.chans[ch]
			if lch == nil || counts[ch] == 0 {
				continue
			}
			ppas, err := lch.prov.getPPAs(counts[ch])
			if err != nil {
				// Exhausted: flag for collection, drop from the set,
				// and redistribute what this channel still owed.
				lch.releaseBusy()
				lch.setNeedGC(true)
				lch.setActive(false)
				res.chans[ch] = nil
				active--
				failed = true
				break
			}
			perCh[ch] = append(perCh[ch], ppas...)
			left -= counts[ch]
		}

		if failed && active == 0 {
			gp.freePPAList(res)
			return nil, ErrNoAvailableBlock
		}
	}

	// Interleave per-channel plane-pages in snapshot order.
	secPl := chans[0].ch.Geo.SecPerPlPg()
	res.ppas = make([]nvm.PPA, 0, npgs*secPl)
	offs := make([]int, nch)
	for len(res.ppas) < npgs*secPl {
		for i := 0; i < nch; i++ {
			ch := (cc + i) % nch
			if offs[ch] < len(perCh[ch]) {
				res.ppas = append(res.ppas, perCh[ch][offs[ch]:offs[ch]+secPl]...)
				offs[ch] += secPl
			}
		}
	}

	return res, nil
}

// freePPAList releases the busy references of an allocation.
func (gp *glProv) freePPAList(res *provPPAs) {
	for _, lch := range res.chans {
		if lch != nil {
			lch.releaseBusy()
		}
	}
	res.chans = nil
}
