// Package idgen provides injectable identifier generation.
package idgen

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
)

// Generator produces new unique identifiers.
type Generator interface {
	NewID() (uuid.UUID, error)
}

// UUID generates random version 4 identifiers.
type UUID struct{}

// NewID implements Generator.
func (UUID) NewID() (uuid.UUID, error) { return uuid.NewV4() }

// Sequential yields predictable ids (…0001, …0002, …) for tests.
type Sequential struct {
	n atomic.Uint64
}

// NewID implements Generator.
func (s *Sequential) NewID() (uuid.UUID, error) {
	var id uuid.UUID
	binary.BigEndian.PutUint64(id[8:], s.n.Add(1))
	return id, nil
}
