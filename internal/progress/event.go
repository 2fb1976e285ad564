package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/multigroup-scraper/internal/scraper"
)

// Stage denotes the milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart       Stage = "RUN_START"
	StageRunDone        Stage = "RUN_DONE"
	StageBatchStart     Stage = "BATCH_START"
	StageGroupStart     Stage = "GROUP_START"
	StageGroupDone      Stage = "GROUP_DONE"
	StageGroupError     Stage = "GROUP_ERROR"
	StageGroupCancelled Stage = "GROUP_CANCELLED"
	StageFallback       Stage = "FALLBACK"
)

// Event is one orchestration milestone.
type Event struct {
	// RunID identifies the manager run in 16-byte UUID form.
	RunID [16]byte
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Group names the group for group-scoped stages.
	Group string
	// Batch is the zero-based batch index in batched mode.
	Batch int
	// Messages is the message count for completed groups.
	Messages int
	// Outcome is set on group completions and fallback attempts.
	Outcome scraper.Outcome
	// Dur is the group or run wall time.
	Dur time.Duration
	// Note carries low-volume context such as error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageBatchStart:
	case StageGroupStart, StageGroupDone, StageGroupError, StageGroupCancelled, StageFallback:
		if e.Group == "" {
			return fmt.Errorf("%s requires group", e.Stage)
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Messages < 0 {
		return errors.New("messages must be >= 0")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ParseRunID converts a textual run id; unparsable ids yield the zero value,
// which Validate rejects.
func ParseRunID(runID string) [16]byte {
	id, err := uuid.Parse(runID)
	if err != nil {
		return [16]byte{}
	}
	return UUIDToBytes(id)
}

// StageForOutcome maps a final group outcome to its completion stage.
func StageForOutcome(o scraper.Outcome) Stage {
	switch o {
	case scraper.OutcomeSuccess, scraper.OutcomeRecoveredByFallback:
		return StageGroupDone
	case scraper.OutcomeCancelled:
		return StageGroupCancelled
	default:
		return StageGroupError
	}
}
