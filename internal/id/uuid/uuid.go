// Package uuid provides ID generation helpers.
package uuid

import "github.com/google/uuid"

// Generator implements job.IDGenerator using random UUIDs.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// Generate returns a UUIDv4.
func (Generator) Generate() uuid.UUID {
	return uuid.New()
}
