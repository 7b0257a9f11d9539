// Package snowflake provides 64-bit time-sortable entity IDs.
//
// Layout: bits 63-22 hold milliseconds since the configured epoch, bits 21-12
// the worker ID (0-1023), bits 11-0 a per-millisecond sequence (0-4095). IDs
// generated on the same worker are strictly increasing. On the wire an ID is
// a decimal string so that consumers limited to 53-bit numbers round-trip it
// safely; parsers accept both string and number forms.
package snowflake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// DefaultEpoch is 2024-01-01T00:00:00Z in Unix milliseconds.
const DefaultEpoch int64 = 1704067200000

const (
	timestampBits = 42
	workerBits    = 10
	sequenceBits  = 12

	maxWorkerID = 1<<workerBits - 1  // 1023
	maxSequence = 1<<sequenceBits - 1 // 4095

	workerShift    = sequenceBits
	timestampShift = sequenceBits + workerBits
)

// ID is a 64-bit snowflake. The zero value means "no ID".
type ID int64

// Parse converts the decimal string form back to an ID.
func Parse(s string) (ID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid snowflake %q", s)
	}
	return ID(n), nil
}

// IsZero reports whether the ID is unset.
func (id ID) IsZero() bool { return id == 0 }

// Int64 returns the raw 64-bit value.
func (id ID) Int64() int64 { return int64(id) }

// String returns the decimal wire form.
func (id ID) String() string { return strconv.FormatInt(int64(id), 10) }

// Timestamp returns the embedded creation time, given the epoch the ID was
// generated against.
func (id ID) Timestamp(epoch int64) time.Time {
	ms := int64(id)>>timestampShift + epoch
	return time.UnixMilli(ms).UTC()
}

// Worker extracts the worker ID (0-1023).
func (id ID) Worker() int { return int(int64(id) >> workerShift & maxWorkerID) }

// Sequence extracts the per-millisecond sequence number (0-4095).
func (id ID) Sequence() int { return int(int64(id) & maxSequence) }

// MarshalJSON encodes the ID as a decimal string.
func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts both string and number forms.
func (id *ID) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty snowflake")
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := Parse(s)
		if err != nil {
			return err
		}
		*id = parsed
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid snowflake: %w", err)
	}
	*id = ID(n)
	return nil
}

// clockRegressionTolerance is how far the wall clock may move backwards
// before generation fails instead of waiting it out. NTP slew stays well
// under this; a larger jump indicates a misconfigured host.
const clockRegressionTolerance = 500 * time.Millisecond

// Generator produces snowflake IDs for a single worker. It is safe for
// concurrent use; generation is serialised by a mutex so a (millisecond,
// sequence) pair is never reused.
type Generator struct {
	epoch    int64
	workerID int64
	now      func() int64

	mu       sync.Mutex
	lastMS   int64
	sequence int64
}

// NewGenerator creates a generator for the given epoch (Unix ms) and worker
// ID. Worker IDs outside 0..1023 are rejected.
func NewGenerator(epoch int64, workerID int) (*Generator, error) {
	if workerID < 0 || workerID > maxWorkerID {
		return nil, fmt.Errorf("worker ID %d out of range 0..%d", workerID, maxWorkerID)
	}
	if epoch <= 0 {
		return nil, fmt.Errorf("epoch must be positive, got %d", epoch)
	}
	return &Generator{
		epoch:    epoch,
		workerID: int64(workerID),
		now:      func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// Next returns the next ID. If the sequence overflows within one millisecond
// the call busy-waits for the clock to advance. A wall-clock regression
// beyond the tolerance returns an error; callers treat it as fatal.
func (g *Generator) Next() (ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.now()
	if ms < g.lastMS {
		drift := time.Duration(g.lastMS-ms) * time.Millisecond
		if drift > clockRegressionTolerance {
			return 0, fmt.Errorf("wall clock moved backwards by %s", drift)
		}
		// Small regression: wait until the clock catches up.
		for ms < g.lastMS {
			ms = g.now()
		}
	}

	if ms == g.lastMS {
		g.sequence = (g.sequence + 1) & maxSequence
		if g.sequence == 0 {
			// Sequence exhausted for this millisecond; spin to the next one.
			for ms <= g.lastMS {
				ms = g.now()
			}
		}
	} else {
		g.sequence = 0
	}
	g.lastMS = ms

	elapsed := ms - g.epoch
	if elapsed < 0 {
		return 0, fmt.Errorf("current time %d predates epoch %d", ms, g.epoch)
	}
	if elapsed >= 1<<timestampBits {
		return 0, fmt.Errorf("timestamp overflow: %dms since epoch", elapsed)
	}

	return ID(elapsed<<timestampShift | g.workerID<<workerShift | g.sequence), nil
}

// WorkerID returns the worker this generator stamps into IDs.
func (g *Generator) WorkerID() int { return int(g.workerID) }
