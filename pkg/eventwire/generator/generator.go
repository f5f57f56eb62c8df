// Package generator contains the periodic event producers the hub can drive.
//
// A Generator is polled once per producer tick. Returning ok=false means there
// is nothing to publish on this tick.
package generator

import (
	"math/rand/v2"
	"time"
)

// Generator produces the next event to broadcast.
type Generator interface {
	Next() (topic string, payload any, ok bool)
}

// Func adapts a plain function to the Generator interface.
type Func func() (topic string, payload any, ok bool)

func (f Func) Next() (string, any, bool) {
	return f()
}

// ClientCounter is implemented by generators whose payloads report the
// number of connected clients. The hub binds its registry size on build.
type ClientCounter interface {
	BindClients(count func() int)
}

// NewRand returns a PCG-backed random source seeded from the current time.
func NewRand() *rand.Rand {
	seed := uint64(time.Now().UnixNano())
	return rand.New(rand.NewPCG(seed, seed>>1|1))
}
