// Package idgen produces bus message identifiers.
package idgen

import "fmt"

// Generator produces unique message IDs.
type Generator interface {
	Generate() (string, error)
	Validate(id string) (bool, string) // (valid, reason)
}

// New returns the generator for the named strategy. An empty strategy
// selects uuid.
func New(strategy string) (Generator, error) {
	switch strategy {
	case "", "uuid":
		return NewUUIDGenerator(), nil
	case "ulid":
		return NewULIDGenerator(), nil
	case "ksuid":
		return NewKSUIDGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported id strategy: %q", strategy)
	}
}
