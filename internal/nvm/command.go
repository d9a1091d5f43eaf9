package nvm

import (
	"sync"
	"time"
)

// ───────────────────────────────────────────────────────────────────────────
// Command types and statuses
// ───────────────────────────────────────────────────────────────────────────

// CmdType identifies a media operation.
type CmdType uint8

const (
	CmdReadPg   CmdType = 0x1
	CmdReadOOB  CmdType = 0x2
	CmdWritePg  CmdType = 0x3
	CmdBadBlk   CmdType = 0x5
	CmdEraseBlk CmdType = 0x7
	// SGL variants carry a per-sector buffer vector instead of one flat
	// buffer. They are rewritten to the page form before reaching the
	// media manager.
	CmdReadSGL  CmdType = 0x8
	CmdWriteSGL CmdType = 0x9
)

// IOStatus is the internal per-command progress status.
type IOStatus uint8

const (
	IOSuccess IOStatus = 0x1
	IOFail    IOStatus = 0x2
	IOProcess IOStatus = 0x3
	IONew     IOStatus = 0x4
	IOTimeout IOStatus = 0x5
)

// NVMe-level status codes surfaced at the host boundary.
const (
	NVMeSuccess        uint16 = 0x0
	NVMeInvalidField   uint16 = 0x2
	NVMeDataTrasError  uint16 = 0x4
	NVMeInternalDevErr uint16 = 0x6
	NVMeCmdAbortReq    uint16 = 0x7
	NVMeLBARange       uint16 = 0x80
	NVMeCapExceeded    uint16 = 0x81
	NVMeMediaTimeout   uint16 = 0x2c0
)

// MaxSectors is the host command limit: one command carries at most this
// many sectors (and thus at most this many media page commands).
const MaxSectors = 64

// ───────────────────────────────────────────────────────────────────────────
// Media command: one single-plane page operation or block erase
// ───────────────────────────────────────────────────────────────────────────

// MediaCommand is a single media-level operation: one page read or write on
// one plane, or one block erase. It is owned by the IOCommand that contains
// it (IO field), or stands alone for bootstrap/metadata traffic.
type MediaCommand struct {
	IO      *IOCommand // parent host-level command, nil for standalone
	Channel *Channel
	PPA     PPA

	Bufs [][]byte // per-sector data buffers
	OOB  []byte   // page out-of-band buffer

	Type     CmdType
	Status   IOStatus
	PgIndex  int // page index inside the parent IOCommand
	NSectors int
	SecSz    int
	MDSz     int

	// Sync binds the command to a blocking waiter. When set, the media
	// callback releases the group instead of routing to the FTL.
	Sync *CompletionGroup

	Start time.Time
	End   time.Time
}

// ───────────────────────────────────────────────────────────────────────────
// Host command
// ───────────────────────────────────────────────────────────────────────────

// CmdStatus tracks per-page progress of a host command.
type CmdStatus struct {
	Status   IOStatus
	NVMe     uint16 // status to send to host
	PgErrors int
	TotalPgs int
	PgsP     int // pages processed
	PgsS     int // pages succeeded
	Retried  int
}

// MapPair records one (lba, ppa) binding reserved in the command so the
// mapping table is only updated after the whole write succeeds. Once every
// upsert has succeeded the PPA field holds the previous address.
type MapPair struct {
	LBA uint64
	PPA PPA
}

// IOCommand is a host-level request of up to MaxSectors sectors. It is
// exclusively held by the FTL from submission until completion.
type IOCommand struct {
	CID      uint64
	Channels [MaxSectors]*Channel
	PPAList  [MaxSectors]PPA
	Prps     [MaxSectors][]byte // per-sector host buffers

	MediaCmds [MaxSectors]MediaCommand

	Status    CmdStatus
	SecSz     int
	MDSz      int
	NSec      int
	SLBA      uint64
	Type      CmdType
	SecOffset int // sectors to transfer when the plane-page is not full

	// MapPairs is the reserved space for deferred mapping upserts, indexed
	// by sector position.
	MapPairs [MaxSectors]MapPair

	Req   interface{} // host request context
	MQReq interface{} // multi-queue entry while queued

	// Done is invoked by the PPA I/O layer once every page of the command
	// has been processed.
	Done func(*IOCommand)

	Mu sync.Mutex
}

// Reset clears a command for reuse from a free pool.
func (c *IOCommand) Reset() {
	c.CID = 0
	c.Status = CmdStatus{}
	c.SecSz = 0
	c.MDSz = 0
	c.NSec = 0
	c.SLBA = 0
	c.Type = 0
	c.SecOffset = 0
	c.Req = nil
	c.MQReq = nil
	c.Done = nil
	for i := 0; i < MaxSectors; i++ {
		c.Channels[i] = nil
		c.PPAList[i] = 0
		c.Prps[i] = nil
		c.MapPairs[i] = MapPair{}
		c.MediaCmds[i] = MediaCommand{}
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Channel
// ───────────────────────────────────────────────────────────────────────────

// ChannelInfo is the per-channel identity persisted by the media manager.
type ChannelInfo struct {
	NsID   uint16
	NsPart uint32
	FTLID  uint8
	InUse  uint8
}

// ChInUseFlag marks a channel as configured in persisted channel info.
const ChInUseFlag = 0x3c

// Encode packs the info into the 64-bit on-media form
// (ns_id:16, ns_part:32, ftl_id:8, in_use:8, low to high).
func (ci ChannelInfo) Encode() uint64 {
	return uint64(ci.NsID) |
		uint64(ci.NsPart)<<16 |
		uint64(ci.FTLID)<<48 |
		uint64(ci.InUse)<<56
}

// DecodeChannelInfo unpacks the 64-bit on-media form.
func DecodeChannelInfo(v uint64) ChannelInfo {
	return ChannelInfo{
		NsID:   uint16(v),
		NsPart: uint32(v >> 16),
		FTLID:  uint8(v >> 48),
		InUse:  uint8(v >> 56),
	}
}

// Channel binds one media-manager channel to one FTL instance and owns a
// namespace subrange.
type Channel struct {
	ID     int // global channel id
	MmgrID int // channel id local to the media manager

	NsPgs    uint64 // pages available to the namespace
	SLBA     uint64
	ELBA     uint64
	TotBytes uint64

	MmgrRsv     int // blocks reserved by the media manager (per LUN 0)
	FTLRsv      int // blocks reserved by the FTL (per LUN 0)
	MmgrRsvList []PPA
	FTLRsvList  []PPA

	Mmgr MediaManager
	FTL  FTL
	Geo  *Geometry

	Info ChannelInfo
}

// ───────────────────────────────────────────────────────────────────────────
// External contracts
// ───────────────────────────────────────────────────────────────────────────

// MediaManager is the back-end driver contract. The three primitive
// operations are asynchronous: they return once the command is submitted
// and complete through the callback registered at construction.
type MediaManager interface {
	Name() string
	Geometry() *Geometry

	// GetChInfo returns the persisted identity of the first n channels.
	GetChInfo(n int) ([]ChannelInfo, error)
	// SetChInfo persists the identity of channel idx.
	SetChInfo(idx int, info ChannelInfo) error

	// RsvBlkCount is the number of block ids per LUN the manager keeps
	// for itself at the start of the block range.
	RsvBlkCount() int

	ReadPg(*MediaCommand) error
	WritePg(*MediaCommand) error
	EraseBlk(*MediaCommand) error

	Exit()
}

// FTL capability bits.
const (
	CapGetBBT uint32 = 1 << 0
	CapSetBBT uint32 = 1 << 1
	CapGetL2P uint32 = 1 << 2
	CapSetL2P uint32 = 1 << 3
	CapInitFn uint32 = 1 << 4
	CapExitFn uint32 = 1 << 5
)

// FTL is the translation-layer contract the controller core routes host
// commands through.
type FTL interface {
	ID() uint8
	Name() string
	Queues() int
	Cap() uint32

	InitCh(*Channel) error
	SubmitIO(*IOCommand) error
	CallbackIO(*MediaCommand)
	Exit()

	GetBBT(ppa PPA, buf []byte) error
	SetBBT(ppa PPA, value uint8) error

	InitFn(fnID uint16, arg interface{}) error
	ExitFn(fnID uint16)
}

// Callback routes a completed media command: commands bound to a waiting
// group release the waiter, everything else goes to the owning FTL.
func Callback(cmd *MediaCommand) {
	cmd.End = time.Now()

	if cmd.Sync != nil {
		if cmd.Status != IOTimeout {
			cmd.Sync.Done()
		}
		return
	}
	if cmd.Channel != nil && cmd.Channel.FTL != nil {
		cmd.Channel.FTL.CallbackIO(cmd)
	}
}

// SubmitMedia dispatches a media command to its channel's manager by type.
func SubmitMedia(cmd *MediaCommand) error {
	cmd.Start = time.Now()
	switch cmd.Type {
	case CmdWritePg:
		return cmd.Channel.Mmgr.WritePg(cmd)
	case CmdReadPg:
		return cmd.Channel.Mmgr.ReadPg(cmd)
	case CmdEraseBlk:
		return cmd.Channel.Mmgr.EraseBlk(cmd)
	}
	return ErrBadCmdType
}
