package schedule

import (
	"fmt"
	"hash/fnv"
)

// shortKeyLen is the display-key prefix length (mirrors the short ids shown
// to operators in logs and keyboards).
const shortKeyLen = 8

// EntryKey derives the idempotency key for one schedule slot.
//
// The key is content-derived, not random: two generation passes for the same
// (medication, date, time) always compute the same key, so a re-run after a
// crash, or a pass racing another writer, collapses onto one row at the
// store's unique index instead of duplicating the slot.
func EntryKey(medicationID int64, date, timeOfDay string) string {
	h := fnv.New64a()
	fmt.Fprintf(h, "%d|%s|%s", medicationID, date, timeOfDay)
	return fmt.Sprintf("%016x", h.Sum64())
}

// ShortKey returns the fixed-length display prefix of an entry key.
func ShortKey(key string) string {
	if len(key) <= shortKeyLen {
		return key
	}
	return key[:shortKeyLen]
}
