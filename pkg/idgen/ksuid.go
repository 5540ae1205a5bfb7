package idgen

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// KSUIDGenerator generates K-Sortable unique IDs.
type KSUIDGenerator struct{}

// NewKSUIDGenerator creates a new KSUIDGenerator.
func NewKSUIDGenerator() *KSUIDGenerator {
	return &KSUIDGenerator{}
}

func (g *KSUIDGenerator) Generate() (string, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate KSUID: %w", err)
	}
	return id.String(), nil
}

func (g *KSUIDGenerator) Validate(id string) (bool, string) {
	if _, err := ksuid.Parse(id); err != nil {
		return false, fmt.Sprintf("invalid KSUID format: %v", err)
	}
	return true, ""
}
