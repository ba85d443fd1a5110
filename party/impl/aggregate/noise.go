package aggregate

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/exp/rand"
)

// NewSecureSource returns a noise source draining crypto/rand. Seed is a
// no-op: the stream cannot be replayed.
func NewSecureSource() rand.Source {
	return secureSource{}
}

type secureSource struct{}

func (secureSource) Seed(uint64) {}

func (secureSource) Uint64() uint64 {
	var buf [8]byte
	if _, err := crand.Read(buf[:]); err != nil {
		panic("system randomness unavailable: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}

// NewSeededSource returns a deterministic noise source streaming a keyed
// BLAKE2Xb output. Test runs only; share randomness never comes from here.
func NewSeededSource(seed uint64) rand.Source {
	s := &seededSource{}
	s.Seed(seed)
	return s
}

type seededSource struct {
	xof blake2b.XOF
}

func (s *seededSource) Seed(seed uint64) {
	var key [8]byte
	binary.BigEndian.PutUint64(key[:], seed)
	xof, err := blake2b.NewXOF(blake2b.OutputLengthUnknown, key[:])
	if err != nil {
		panic("blake2b refused an 8-byte key: " + err.Error())
	}
	s.xof = xof
}

func (s *seededSource) Uint64() uint64 {
	var buf [8]byte
	if _, err := io.ReadFull(s.xof, buf[:]); err != nil {
		panic("blake2b stream ended: " + err.Error())
	}
	return binary.BigEndian.Uint64(buf[:])
}
