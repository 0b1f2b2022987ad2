// Package ids generates the identifiers tpcd hands out: instance ids for
// callers that omit one, request and correlation ids on the API, and a
// per-attempt delivery id sent to participants.
package ids

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

// Instance returns a new instance id. Generated ids are UUIDv7 and sort by
// creation time.
func Instance() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Request returns a new API request or correlation id.
func Request() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Delivery returns a new delivery attempt id. Participants see a fresh value
// on every retry of the same action.
func Delivery() string {
	return xid.New().String()
}

// InstanceTime extracts the creation time embedded in a generated instance
// id. Caller supplied ids report false.
func InstanceTime(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
