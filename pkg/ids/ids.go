// Package ids mints collision-free entity IDs and W3C-shaped trace/span
// IDs.
package ids

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Minter produces monotonically-ordered entity IDs and random trace/span
// IDs. The zero value is ready to use; a Minter is safe for concurrent use.
type Minter struct {
	mu       sync.Mutex
	prevNano int64
}

// New returns a ready-to-use Minter.
func New() *Minter {
	return &Minter{}
}

// NewEntityID returns "{prefix}_{nanos}_{rand}". nanos is strictly
// increasing across calls on this Minter even if the wall clock does not
// advance or goes backward between two calls in the same nanosecond.
func (m *Minter) NewEntityID(prefix string) string {
	nanos := m.nextNanos()
	suffix := uuid.New()
	// lower 32 bits of a fresh UUIDv4, hex-encoded: a ≥32-bit random
	// suffix without hand-rolling an RNG.
	rnd := suffix[12:16]
	return prefix + "_" + formatInt(nanos) + "_" + hexEncode(rnd)
}

func (m *Minter) nextNanos() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= m.prevNano {
		now = m.prevNano + 1
	}
	m.prevNano = now
	return now
}

// NewTraceID returns a 32 hex-char, cryptographically random trace ID.
func NewTraceID() string {
	var tid trace.TraceID
	for {
		tid = trace.TraceID(uuid.New())
		if tid.IsValid() {
			break
		}
	}
	return tid.String()
}

// NewSpanID returns a 16 hex-char, cryptographically random span ID.
func NewSpanID() string {
	var sid trace.SpanID
	for {
		u := uuid.New()
		copy(sid[:], u[:8])
		if sid.IsValid() {
			break
		}
	}
	return sid.String()
}

func formatInt(v int64) string {
	// time.Now().UnixNano() is always positive until the year 2262; no
	// sign handling needed.
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

const hexDigits = "0123456789abcdef"

func hexEncode(b []byte) string {
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = hexDigits[c>>4]
		out[i*2+1] = hexDigits[c&0x0f]
	}
	return string(out)
}
