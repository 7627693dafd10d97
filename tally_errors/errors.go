// Provides common tally errors definitions.
package tally_errors

import "errors"

var (
	ErrClosed      = errors.New("tally: engine is closed")
	ErrRowUnknown  = errors.New("tally: unknown row")
	ErrRowCorrupt  = errors.New("tally: corrupt row body")
	ErrTableBounds = errors.New("tally: unknown table")

	ErrAggUnknown     = errors.New("tally: unknown aggregate")
	ErrEntryNotFound  = errors.New("tally: aggregate entry not found")
	ErrFieldMissing   = errors.New("tally: record lacks a field the aggregate requires")
	ErrAggregateDirty = errors.New("tally: aggregate is being rebuilt")

	ErrBadCursor   = errors.New("tally: malformed batch cursor")
	ErrBadScope    = errors.New("tally: unknown rebuild scope")
	ErrRebuildBusy = errors.New("tally: conflicting rebuild already running")
	ErrRunUnknown  = errors.New("tally: unknown rebuild run")
	ErrRunFinished = errors.New("tally: rebuild run already finished")
)
