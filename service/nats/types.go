package nats

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DripEvent is the audit record of one finished drip request.
// This is published to the subject "drips.{status}" in JetStream.
type DripEvent struct {
	ID          string `json:"id"`
	RequesterID string `json:"requester_id"`
	Address     string `json:"address"`

	// Outcome
	Status  string        `json:"status"`
	Success bool          `json:"success"`
	Chains  []ChainResult `json:"chains,omitempty"`

	// Timing information
	RequestedAt time.Time `json:"requested_at"`
	DurationMS  int64     `json:"duration_ms"`
	PublishedAt time.Time `json:"published_at"`
}

// ChainResult is the per-network part of a DripEvent. Error carries the
// internal failure reason and is never shown to requesters.
type ChainResult struct {
	Network  string   `json:"network"`
	Address  string   `json:"address"`
	Success  bool     `json:"success"`
	TxHashes []string `json:"tx_hashes,omitempty"`
	Nonces   []uint64 `json:"nonces,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// NewDripEvent creates an event with a fresh id.
func NewDripEvent(requesterID, address, status string, success bool, requestedAt time.Time, duration time.Duration) *DripEvent {
	return &DripEvent{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		Address:     address,
		Status:      status,
		Success:     success,
		RequestedAt: requestedAt.UTC(),
		DurationMS:  duration.Milliseconds(),
	}
}

// Subject is the JetStream subject the event is published on.
func (e *DripEvent) Subject() string {
	return fmt.Sprintf("drips.%s", e.Status)
}
