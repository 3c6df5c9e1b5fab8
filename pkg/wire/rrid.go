package wire

import "fmt"

// RRID names a remote value. Whence is the worker that minted the
// reference, ID is a per-worker monotonic counter and Tag disambiguates
// several references minted by one call site.
//
// The zero value is the null RRID: "no reference expected".
type RRID struct {
	Whence int64
	ID     uint64
	Tag    uint32
}

func (r RRID) IsNil() bool {
	return r.Whence == 0 && r.ID == 0 && r.Tag == 0
}

func (r RRID) String() string {
	return fmt.Sprintf("rrid(%d,%d,%d)", r.Whence, r.ID, r.Tag)
}
