package core

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NewID returns a uniformly random non-zero 64-bit identifier that the
// inUse predicate rejects as taken. Callers hold the registry lock while
// calling it so the lookup and the insert are one atomic step.
func NewID(inUse func(uint64) bool) uint64 {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			panic(fmt.Sprintf("id entropy: %v", err))
		}
		id := binary.BigEndian.Uint64(b[:])
		if id == 0 {
			continue
		}
		if inUse != nil && inUse(id) {
			continue
		}
		return id
	}
}
