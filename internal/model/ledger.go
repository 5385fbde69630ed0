package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// ComputeBalance derives a user's available points from the full history:
// the sum of entry points minus points used by every non-cancelled redemption.
func ComputeBalance(entries []RewardEntry, txs []RedemptionTransaction) int64 {
	var total int64
	for _, e := range entries {
		total += e.Points
	}
	for _, t := range txs {
		if t.Status.DeductsBalance() {
			total -= t.PointsUsed
		}
	}
	return total
}

// BatchOpKind names a batch operation.
type BatchOpKind string

const (
	BatchAdd    BatchOpKind = "add"
	BatchUpdate BatchOpKind = "update"
	BatchDelete BatchOpKind = "delete"
)

// BatchOp is one caller-supplied step of an atomic batch.
type BatchOp struct {
	Kind    BatchOpKind     `json:"kind"`
	Add     *NewEntryParams `json:"add,omitempty"`
	EntryID uuid.UUID       `json:"entryId,omitempty"`
	Patch   *EntryPatch     `json:"patch,omitempty"`
}

// ResolvedOp is a validated batch step carrying the final entry state handed to storage.
type ResolvedOp struct {
	Kind  BatchOpKind `json:"kind"`
	Entry RewardEntry `json:"entry"`
}

// DeleteResult reports the balance effect of a deletion.
type DeleteResult struct {
	Entry         RewardEntry `json:"entry"`
	PreviousTotal int64       `json:"previousTotal"`
	NewTotal      int64       `json:"newTotal"`
}

// EntryChange is one entry mutation exchanged during sync. Deleted marks a tombstone.
type EntryChange struct {
	Entry     RewardEntry `json:"entry"`
	Deleted   bool        `json:"deleted"`
	ChangedAt time.Time   `json:"changedAt"`
}

// ConflictResolution tells which side of a conflict was kept.
type ConflictResolution string

const (
	LocalWins  ConflictResolution = "local_wins"
	RemoteWins ConflictResolution = "remote_wins"
)

// Conflict is an entry changed on both sides since the last sync.
type Conflict struct {
	EntryID    uuid.UUID          `json:"entryId"`
	Local      EntryChange        `json:"local"`
	Remote     EntryChange        `json:"remote"`
	Resolution ConflictResolution `json:"resolution"`
}

// SyncResult summarises one reconciliation run.
type SyncResult struct {
	UploadedCount     int        `json:"uploadedCount"`
	DownloadedCount   int        `json:"downloadedCount"`
	ConflictedEntries []Conflict `json:"conflictedEntries"`
	SyncTimestamp     time.Time  `json:"syncTimestamp"`
}
