package account

import "time"

// Account is the ink balance slice of a user record.
//
// Available is the settled balance; Pending is the part of it held by
// in-flight generations. Lifetime only ever grows: it accumulates every
// settled charge.
type Account struct {
	UserID    string    `json:"user_id"`
	Available int64     `json:"available"`
	Pending   int64     `json:"pending"`
	Lifetime  int64     `json:"lifetime"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Spendable is the ink a new reservation may draw on.
func (a Account) Spendable() int64 {
	return a.Available - a.Pending
}

// EntryKind classifies a journal entry.
type EntryKind string

const (
	EntryReserve EntryKind = "reserve"
	EntryCharge  EntryKind = "charge"
	EntryRelease EntryKind = "release"
	EntryGrant   EntryKind = "grant"
)

// Entry is one line of the ink journal. It is written in the same
// transaction as the balance change it describes.
type Entry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	RequestID string    `json:"request_id,omitempty"`
	Kind      EntryKind `json:"kind"`
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"created_at"`
}
