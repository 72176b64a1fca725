// internal/driver/sweep/assembler.go
package sweep

import (
	"time"

	"github.com/benbjohnson/clock"

	"sweep-service/pkg/driver"
)

// rotation is a completed set of samples, not yet numbered
type rotation struct {
	startedAt time.Time
	samples   []driver.Sample
}

// assembler groups scan packets into rotations. A packet with the sync bit
// set closes the rotation in progress and opens the next one. Packets seen
// before the first sync bit belong to no rotation and are dropped.
type assembler struct {
	clock     clock.Clock
	started   bool
	startedAt time.Time
	samples   []driver.Sample
	// packets with error flags are left out of the scan
	flagged uint64
}

func newAssembler(clk clock.Clock) *assembler {
	return &assembler{clock: clk}
}

// add feeds one packet and returns the rotation it completed, if any
func (a *assembler) add(p Packet) (rotation, bool) {
	var done rotation
	completed := false

	if p.Sync {
		if a.started && len(a.samples) > 0 {
			done = rotation{startedAt: a.startedAt, samples: a.samples}
			completed = true
		}
		a.started = true
		a.startedAt = a.clock.Now()
		a.samples = make([]driver.Sample, 0, cap(done.samples))
	}

	if !a.started {
		return done, completed
	}

	if p.ErrorFlags != 0 {
		a.flagged++
		return done, completed
	}

	a.samples = append(a.samples, driver.Sample{
		Angle:    p.Angle,
		Distance: int(p.DistanceCM) * 10,
		Strength: p.Strength,
	})
	return done, completed
}

// reset discards the partial rotation
func (a *assembler) reset() {
	a.started = false
	a.startedAt = time.Time{}
	a.samples = nil
}
