package nvm

import "encoding/binary"

// ───────────────────────────────────────────────────────────────────────────
// Per-sector out-of-band metadata
// ───────────────────────────────────────────────────────────────────────────
//
// Every data-page sector carries its logical address and a page-type tag in
// the OOB area so the garbage collector can classify sectors without the
// mapping table:
//
//   [0:8]  LBA      uint64 LE (for map pages: the global map-page index)
//   [8]    PgType   (PADDING, NAMESPACE, MAP)
//
// One record per sector, record i at offset i*SecOOBSize.

// PgType classifies the content of a sector.
type PgType uint8

const (
	PgPadding   PgType = 0x0 // filler written to complete a plane-page
	PgNamespace PgType = 0x1 // host data
	PgMap       PgType = 0x2 // mapping-table page
)

// SecOOB is the decoded per-sector out-of-band record.
type SecOOB struct {
	LBA uint64
	Typ PgType
}

// secOOBLen is the encoded length of one record; SecOOBSize must be at
// least this large.
const secOOBLen = 9

// PutSecOOB encodes the record for sector sec into the page OOB buffer.
func PutSecOOB(oob []byte, sec, secOOBSize int, rec SecOOB) {
	off := sec * secOOBSize
	binary.LittleEndian.PutUint64(oob[off:], rec.LBA)
	oob[off+8] = byte(rec.Typ)
}

// GetSecOOB decodes the record for sector sec from the page OOB buffer.
func GetSecOOB(oob []byte, sec, secOOBSize int) SecOOB {
	off := sec * secOOBSize
	return SecOOB{
		LBA: binary.LittleEndian.Uint64(oob[off:]),
		Typ: PgType(oob[off+8]),
	}
}
