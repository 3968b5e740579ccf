// Package ids generates the identifiers peersetd hands out.
//
// Change ids are xids: short, URL safe and sortable by creation second, so
// they read well in history entries and status URLs. Request and correlation
// ids are UUIDv7 to line up with what tracing backends expect.
package ids

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// NewChange returns a fresh change id.
func NewChange() string {
	return xid.New().String()
}

// ChangeTime reports when a change id was minted. ok is false for ids that
// were supplied by clients in some other format.
func ChangeTime(id string) (t time.Time, ok bool) {
	parsed, err := xid.FromString(id)
	if err != nil {
		return time.Time{}, false
	}
	return parsed.Time(), true
}

// NewRequest returns a time-ordered request id.
func NewRequest() string {
	return uuid.Must(uuid.NewV7()).String()
}
