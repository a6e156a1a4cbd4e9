package merge

import (
	"time"

	"github.com/robert-malhotra/go-nwbmerge/internal/identity"
)

// Report summarizes a finished run. It is returned alongside a nil error
// on success, and with partial counts when the job failed.
type Report struct {
	Role    string
	State   State
	Sources []string

	Groups int
	Arrays int
	Links  int

	// Renamed counts output nodes whose final name differs from their
	// source name.
	Renamed int

	// Deduplicated counts source nodes elided onto an earlier copy.
	Deduplicated int

	// Conflicts lists divergent duplicate identities kept as distinct
	// copies (loose mode only).
	Conflicts []identity.Conflict

	ChunksWritten int64
	BytesWritten  int64

	Duration time.Duration
}
