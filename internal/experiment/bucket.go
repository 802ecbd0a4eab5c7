// Package experiment buckets entities into experiment variants by hashing,
// with no assignment storage: the same (experiment, seed) pair lands in the
// same variant forever, across processes.
package experiment

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// ErrNoVariants is returned when the variant list is empty.
var ErrNoVariants = errors.New("variants list is empty")

// Assignment is a derived value, reproducible from its inputs alone.
type Assignment struct {
	Experiment string `json:"experiment"`
	Variant    string `json:"variant"`
}

// AssignVariant maps (experiment, seed) to one of the named variants.
//
// The hash algorithm is part of the contract: SHA-256 over
// experiment + ":" + seed, first 8 bytes as a big-endian unsigned integer,
// mod the variant count. Changing the algorithm or the variants list
// reshuffles every bucket; use a seed that is stable per profile, not per
// request.
func AssignVariant(experiment, seed string, variants []string) (Assignment, error) {
	if len(variants) == 0 {
		return Assignment{}, ErrNoVariants
	}
	sum := sha256.Sum256([]byte(experiment + ":" + seed))
	idx := binary.BigEndian.Uint64(sum[:8]) % uint64(len(variants))
	return Assignment{Experiment: experiment, Variant: variants[idx]}, nil
}
