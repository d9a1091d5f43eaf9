// Package nvm defines the core data model of the controller: the media
// geometry, physical page addresses, media and host I/O commands, the
// media-manager and FTL contracts, and the synchronous media helper used
// by bootstrap and metadata paths.
//
// The types here are shared by every subsystem: the multi-queue framework
// dispatches *IOCommand values, media managers execute *MediaCommand
// values, and the FTL translates between the two.
package nvm

import "fmt"

// ───────────────────────────────────────────────────────────────────────────
// Geometry
// ───────────────────────────────────────────────────────────────────────────

// Geometry describes the immutable layout of a media manager's flash:
// channels contain LUNs, LUNs contain blocks, blocks contain pages, pages
// are striped across planes and subdivided into sectors.
type Geometry struct {
	Channels   int // independent NAND buses
	LunsPerCh  int // dies per channel
	BlksPerLun int // erase units per die
	PgsPerBlk  int // program units per erase unit
	Planes     int // parallel sub-dies; multi-plane ops address all at once
	SecsPerPg  int // host-visible sectors per single-plane page
	PgSize     int // bytes per single-plane page (data area)
	SecOOBSize int // out-of-band bytes per sector
}

// SecSize returns the size of one sector in bytes.
func (g *Geometry) SecSize() int { return g.PgSize / g.SecsPerPg }

// SecPerPlPg returns the number of sectors in one multi-plane page.
func (g *Geometry) SecPerPlPg() int { return g.SecsPerPg * g.Planes }

// PlPgSize returns the data bytes of one multi-plane page.
func (g *Geometry) PlPgSize() int { return g.PgSize * g.Planes }

// PgOOBSize returns the out-of-band bytes of one single-plane page.
func (g *Geometry) PgOOBSize() int { return g.SecOOBSize * g.SecsPerPg }

// SecsPerBlk returns the number of sectors in one multi-plane block.
func (g *Geometry) SecsPerBlk() int { return g.PgsPerBlk * g.SecPerPlPg() }

// BlksPerCh returns the number of multi-plane blocks in one channel.
func (g *Geometry) BlksPerCh() int { return g.BlksPerLun * g.LunsPerCh }

// Validate reports whether the geometry is internally consistent.
func (g *Geometry) Validate() error {
	switch {
	case g.Channels < 1 || g.LunsPerCh < 1 || g.BlksPerLun < 1:
		return fmt.Errorf("nvm: geometry has empty hierarchy: %+v", *g)
	case g.PgsPerBlk < 1 || g.Planes < 1 || g.SecsPerPg < 1:
		return fmt.Errorf("nvm: geometry has empty pages: %+v", *g)
	case g.PgSize < 1 || g.PgSize%g.SecsPerPg != 0:
		return fmt.Errorf("nvm: page size %d not divisible by %d sectors",
			g.PgSize, g.SecsPerPg)
	}
	return nil
}
