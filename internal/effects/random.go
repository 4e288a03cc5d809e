package effects

import (
	crand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/Armour007/aura-core/internal/auraerr"
)

// Random is the randomness capability.
type Random interface {
	RandomBytes(n int) ([]byte, error)
	// RandomRange returns a uniform value in [lo, hi).
	RandomRange(lo, hi uint64) (uint64, error)
	// Reader exposes the source for key generation APIs.
	Reader() io.Reader
}

func rangeFrom(r io.Reader, lo, hi uint64) (uint64, error) {
	if hi <= lo {
		return 0, auraerr.Errorf(auraerr.KindInvalid, "effects.random_range", "empty range [%d,%d)", lo, hi)
	}
	span := hi - lo
	// rejection sampling to avoid modulo bias
	limit := ^uint64(0) - (^uint64(0) % span)
	var buf [8]byte
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, auraerr.Wrap(auraerr.KindInvalid, "effects.random_range", err)
		}
		v := binary.BigEndian.Uint64(buf[:])
		if v < limit {
			return lo + v%span, nil
		}
	}
}

// OSRandom reads from the operating system CSPRNG.
type OSRandom struct{}

func (OSRandom) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(crand.Reader, b); err != nil {
		return nil, auraerr.Wrap(auraerr.KindInvalid, "effects.random_bytes", err)
	}
	return b, nil
}

func (OSRandom) RandomRange(lo, hi uint64) (uint64, error) { return rangeFrom(crand.Reader, lo, hi) }
func (OSRandom) Reader() io.Reader                          { return crand.Reader }

// SeededRandom is a reproducible ChaCha8 stream for simulations and tests.
type SeededRandom struct {
	mu  sync.Mutex
	src *rand.ChaCha8
}

func NewSeededRandom(seed uint64) *SeededRandom {
	var s [32]byte
	binary.LittleEndian.PutUint64(s[:], seed)
	copy(s[8:], "aura-seeded-random-v1")
	return &SeededRandom{src: rand.NewChaCha8(s)}
}

func (s *SeededRandom) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.src.Read(p)
}

func (s *SeededRandom) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, _ = s.Read(b)
	return b, nil
}

func (s *SeededRandom) RandomRange(lo, hi uint64) (uint64, error) { return rangeFrom(s, lo, hi) }
func (s *SeededRandom) Reader() io.Reader                          { return s }
