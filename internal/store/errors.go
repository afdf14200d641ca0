package store

import "fmt"

// StaleError is the optimistic-concurrency conflict: the caller's view of the
// document no longer matches the authoritative row. Current carries the stamp
// the caller must reload before retrying; retrying with the old stamp risks
// clobbering another writer.
type StaleError struct {
	DocumentID string
	Expected   int64
	Current    int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("document %s is stale: expected stamp %d, store has %d", e.DocumentID, e.Expected, e.Current)
}
