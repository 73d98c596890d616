package aqmon

import (
	"hash/fnv"

	"github.com/iti/rngstream"
	"golang.org/x/exp/rand"
)

// RandomSource supplies uniform samples on (0,1).  *rngstream.RngStream satisfies it.
type RandomSource interface {
	RandU01() float64
}

// seededStream adapts an x/exp/rand generator to RandomSource
type seededStream struct {
	rng *rand.Rand
}

func (ss *seededStream) RandU01() float64 {
	return ss.rng.Float64()
}

// NewRandomSource returns the random stream a named component draws from.
// With seed zero the component gets its own rngstream stream, as every device
// in a network model does; a non-zero seed yields a generator whose state is a
// function of (seed, name) only, so runs replay exactly.
func NewRandomSource(seed uint64, name string) RandomSource {
	if seed == 0 {
		return rngstream.New(name)
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	return &seededStream{rng: rand.New(rand.NewSource(seed ^ h.Sum64()))}
}
