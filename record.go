package expirysweep

import "time"

// RecordRef identifies one record staged for deletion. The record's other
// fields are payload owned by the writer and never read.
type RecordRef struct {
	ParentID  string
	ID        string
	ExpiresAt time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (r RecordRef) String() string {
	return r.ParentID + "/" + r.ID
}

type lease struct {
	Owner     string    `firestore:"owner"`
	Locked    bool      `firestore:"locked"`
	LockedAt  time.Time `firestore:"lockedAt"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
