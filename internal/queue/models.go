package queue

import (
	"fmt"
	"strings"
	"time"

	"spoolq/internal/sequence"
)

// Area is a directory an item can live in.
type Area string

const (
	AreaPending   Area = "pending"
	AreaClaimed   Area = "claimed"
	AreaCompleted Area = "completed"
	AreaFailed    Area = "failed"
)

const (
	itemExt    = ".json"
	stagingDir = "tmp"
	stagingExt = ".staging"
)

var allAreas = []Area{AreaPending, AreaClaimed, AreaCompleted, AreaFailed}

// Areas returns all areas in lifecycle order.
func Areas() []Area {
	return append([]Area(nil), allAreas...)
}

// ParseArea converts a string into an Area.
func ParseArea(value string) (Area, bool) {
	normalized := Area(strings.ToLower(strings.TrimSpace(value)))
	for _, area := range allAreas {
		if area == normalized {
			return area, true
		}
	}
	return "", false
}

// Item is one unit of work.
type Item struct {
	Sequence         string            `json:"sequence"`
	Priority         int               `json:"priority"`
	OriginalPriority int               `json:"original_priority,omitempty"`
	Payload          []byte            `json:"payload"`
	Operation        string            `json:"operation,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	RetryCount       int               `json:"retry_count"`
	LastError        string            `json:"last_error,omitempty"`
	FailureReason    string            `json:"failure_reason,omitempty"`
	FailedAt         *time.Time        `json:"failed_at,omitempty"`
	Producer         string            `json:"producer,omitempty"`
}

// Ref returns the item's file name without extension.
func (i *Item) Ref() string {
	return sequence.Token{Priority: i.Priority, Value: i.Sequence}.String()
}

// Entry is an item as observed in a listing.
type Entry struct {
	Ref     string
	Area    Area
	ModTime time.Time
	Item    *Item
	Err     error
}

// Counts holds point-in-time per-area item counts.
type Counts map[Area]int

// Total sums all areas.
func (c Counts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// RequeueResult describes the outcome of Requeue.
type RequeueResult struct {
	Ref        string
	NewRef     string
	Priority   int
	RetryCount int
	// Failed is true when the retry budget was exhausted and the item moved
	// to the failed area instead.
	Failed bool
}

// RecoverResult summarizes an orphan sweep.
type RecoverResult struct {
	Requeued int
	Failed   int
}

// Total returns the number of items moved out of the claimed area.
func (r RecoverResult) Total() int { return r.Requeued + r.Failed }

// ReplayResult maps a failed item to its new pending ref.
type ReplayResult struct {
	Ref    string
	NewRef string
}

// GCResult counts files removed by GarbageCollect.
type GCResult struct {
	Completed int
	Failed    int
	Staging   int
}

// Total sums all removals.
func (r GCResult) Total() int { return r.Completed + r.Failed + r.Staging }

func validateRef(ref string) error {
	if _, err := sequence.Parse(ref); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return nil
}
