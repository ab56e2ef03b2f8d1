package model

import "github.com/google/uuid"

// IDGenerator mints ids for new entities and offline areas.
type IDGenerator interface {
	NewID() string
}

// UUIDGenerator is the production IDGenerator.
type UUIDGenerator struct{}

func (UUIDGenerator) NewID() string {
	return uuid.NewString()
}

var _ IDGenerator = UUIDGenerator{}
