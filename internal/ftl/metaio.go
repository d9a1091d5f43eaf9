package ftl

import (
	"encoding/binary"
	"fmt"

	"github.com/openchannelio/oxnvm/internal/nvm"
)

// ───────────────────────────────────────────────────────────────────────────
// Reserved-block metadata I/O
// ───────────────────────────────────────────────────────────────────────────
//
// The BBT, the block metadata and the mapping directory all persist with
// the same scheme: a table is written to consecutive multi-plane pages of
// a reserved block in LUN 0, and the plane-0 OOB of every written page
// carries a header starting with the magic byte. The newest copy is found
// by walking pages until the magic no longer matches; when the block runs
// out of pages it is erased and writing restarts at page 0.

// tblMagic marks a valid metadata page header.
const tblMagic = 0x3c

// tblHeader is the OOB header of a persisted table page. The extra fields
// carry per-table sizing so a loader can sanity-check the stored form.
type tblHeader struct {
	Magic   uint8
	Entries uint32
	EntrySz uint32
	Count   uint32 // table-specific count (bad blocks for the BBT)
}

const tblHeaderLen = 13

func putTblHeader(oob []byte, h tblHeader) {
	oob[0] = h.Magic
	binary.LittleEndian.PutUint32(oob[1:], h.Entries)
	binary.LittleEndian.PutUint32(oob[5:], h.EntrySz)
	binary.LittleEndian.PutUint32(oob[9:], h.Count)
}

func getTblHeader(oob []byte) tblHeader {
	return tblHeader{
		Magic:   oob[0],
		Entries: binary.LittleEndian.Uint32(oob[1:]),
		EntrySz: binary.LittleEndian.Uint32(oob[5:]),
		Count:   binary.LittleEndian.Uint32(oob[9:]),
	}
}

// pgIOBuf is a scratch buffer covering one multi-plane page including OOB,
// sliced per plane.
type pgIOBuf struct {
	geo  *nvm.Geometry
	raw  []byte
	vecs [][]byte // per plane: pgSize + pgOOBSize
}

func newPgIOBuf(g *nvm.Geometry) *pgIOBuf {
	plSz := g.PgSize + g.PgOOBSize()
	raw := make([]byte, plSz*g.Planes)
	vecs := make([][]byte, g.Planes)
	for pl := 0; pl < g.Planes; pl++ {
		vecs[pl] = raw[pl*plSz : (pl+1)*plSz]
	}
	return &pgIOBuf{geo: g, raw: raw, vecs: vecs}
}

func (b *pgIOBuf) reset() {
	for i := range b.raw {
		b.raw[i] = 0
	}
}

// plane returns the data area of one plane's buffer.
func (b *pgIOBuf) plane(pl int) []byte { return b.vecs[pl][:b.geo.PgSize] }

// planeOOB returns the OOB area of one plane's buffer.
func (b *pgIOBuf) planeOOB(pl int) []byte { return b.vecs[pl][b.geo.PgSize:] }

// rsvBlkIO performs one synchronous operation on every plane of a page in
// a reserved block (LUN 0).
func rsvBlkIO(lch *appChannel, typ nvm.CmdType, buf *pgIOBuf, blk, pg int) error {
	g := lch.ch.Geo
	for pl := 0; pl < g.Planes; pl++ {
		cmd := nvm.MediaCommand{PPA: nvm.NewPPA(0, 0, pl, blk, pg, 0)}
		var plBuf []byte
		if typ != nvm.CmdEraseBlk {
			plBuf = buf.vecs[pl]
		}
		if err := nvm.SyncIO(lch.ch, &cmd, plBuf, typ); err != nil {
			return fmt.Errorf("ftl: reserved blk %d pg %d pl %d: %w", blk, pg, pl, err)
		}
	}
	return nil
}

// blkCurrentPage walks a reserved block in steps of the table footprint
// and returns the first page whose plane-0 OOB magic is absent: the next
// free page. A return of 0 means the block holds no table yet.
func blkCurrentPage(lch *appChannel, buf *pgIOBuf, blk, step int) (int, error) {
	g := lch.ch.Geo
	pg := 0
	for pg <= g.PgsPerBlk-step {
		buf.reset()
		if err := rsvBlkIO(lch, nvm.CmdReadPg, buf, blk, pg); err != nil {
			return -1, err
		}
		if getTblHeader(buf.planeOOB(0)).Magic != tblMagic {
			break
		}
		pg += step
	}
	return pg, nil
}

// tblPages returns how many multi-plane pages a table of n entries of
// entrySz bytes occupies, padding entries so none crosses a plane page.
func tblPages(g *nvm.Geometry, n, entrySz int) int {
	perPlane := g.PgSize / entrySz
	perPg := perPlane * g.Planes
	pgs := n / perPg
	if n%perPg > 0 {
		pgs++
	}
	return pgs
}

// seqTransfer moves a flat table between memory and consecutive pages of
// a reserved block. Entries are padded per plane so none crosses a page
// boundary; when writing, hdr is stamped into the plane-0 OOB of every
// page.
func seqTransfer(lch *appChannel, tbl []byte, entrySz, blk, startPg int,
	toNVM bool, hdr tblHeader) error {

	g := lch.ch.Geo
	buf := newPgIOBuf(g)

	perPlane := g.PgSize / entrySz
	perPlaneBytes := perPlane * entrySz
	nEnt := len(tbl) / entrySz
	pgs := tblPages(g, nEnt, entrySz)

	if startPg+pgs > g.PgsPerBlk {
		return fmt.Errorf("ftl: table of %d pages exceeds block at pg %d", pgs, startPg)
	}

	off := 0
	for i := 0; i < pgs; i++ {
		if !toNVM {
			buf.reset()
			if err := rsvBlkIO(lch, nvm.CmdReadPg, buf, blk, startPg+i); err != nil {
				return err
			}
		} else {
			buf.reset()
		}

		for pl := 0; pl < g.Planes && off < len(tbl); pl++ {
			n := perPlaneBytes
			if len(tbl)-off < n {
				n = len(tbl) - off
			}
			if toNVM {
				copy(buf.plane(pl), tbl[off:off+n])
			} else {
				copy(tbl[off:off+n], buf.plane(pl))
			}
			off += n
		}

		if toNVM {
			putTblHeader(buf.planeOOB(0), hdr)
			if err := rsvBlkIO(lch, nvm.CmdWritePg, buf, blk, startPg+i); err != nil {
				return err
			}
		}
	}
	return nil
}

// tblLoad locates the newest copy of a table in a reserved block and reads
// it into tbl. It returns true when the block is fresh and the caller must
// create and flush an initial table.
func tblLoad(lch *appChannel, tbl []byte, entrySz, blk int) (fresh bool, err error) {
	g := lch.ch.Geo
	nEnt := len(tbl) / entrySz
	pgs := tblPages(g, nEnt, entrySz)
	if pgs > g.PgsPerBlk {
		return false, fmt.Errorf("ftl: table needs %d pages, block has %d",
			pgs, g.PgsPerBlk)
	}

	buf := newPgIOBuf(g)
	pg, err := blkCurrentPage(lch, buf, blk, pgs)
	if err != nil {
		return false, err
	}
	if pg == 0 {
		// Nothing stored yet; make sure the block is clean for the
		// first flush.
		if err := rsvBlkIO(lch, nvm.CmdEraseBlk, nil, blk, 0); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, seqTransfer(lch, tbl, entrySz, blk, pg-pgs, false, tblHeader{})
}

// tblFlush writes a table to the next free pages of a reserved block,
// erasing and restarting when the block is full.
func tblFlush(lch *appChannel, tbl []byte, entrySz, blk int, hdr tblHeader) error {
	g := lch.ch.Geo
	nEnt := len(tbl) / entrySz
	pgs := tblPages(g, nEnt, entrySz)

	buf := newPgIOBuf(g)
	pg, err := blkCurrentPage(lch, buf, blk, pgs)
	if err != nil {
		return err
	}
	if pg > g.PgsPerBlk-pgs {
		if err := rsvBlkIO(lch, nvm.CmdEraseBlk, nil, blk, 0); err != nil {
			return err
		}
		pg = 0
	}
	hdr.Magic = tblMagic
	return seqTransfer(lch, tbl, entrySz, blk, pg, true, hdr)
}
