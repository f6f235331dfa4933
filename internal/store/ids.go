package store

import "github.com/google/uuid"

// NewID generates a random 128-bit hyphenated-hex row identifier, used for
// every syncable row and archive entry this module creates locally.
func NewID() string {
	return uuid.NewString()
}

// StripServerColumns returns a copy of data without lts and is_unsynced,
// per invariants I1 and I2: those two columns are owned by the sync engine,
// never by the application or the wire payload the application supplies.
func StripServerColumns(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		if k == "lts" || k == "is_unsynced" {
			continue
		}
		out[k] = v
	}
	return out
}
