// Package numbering issues the human-readable identifiers printed on
// invoices, visit slips and patient cards: PREFIX-YYYYMMDD-HHMMSS-XXXXXX.
//
// The random suffix only makes collisions unlikely. The UNIQUE constraint on
// the number column is what actually guarantees uniqueness, and callers retry
// inserts that hit it (see db.WithUniqueRetry).
package numbering

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// crockfordAlphabet omits I, L, O and U so numbers survive being read aloud
// at a till.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

const (
	tokenLength        = 6
	fallbackLength     = 12
	DefaultMaxAttempts = 5
	timestampLayout    = "20060102-150405"
)

// ExistsFunc reports whether number is already held by a record other than
// excludeID. Pass uuid.Nil for records that are not yet stored.
type ExistsFunc func(ctx context.Context, number string, excludeID uuid.UUID) (bool, error)

// Generator formats identifiers for a single prefix.
type Generator struct {
	prefix      string
	loc         *time.Location
	maxAttempts int
	now         func() time.Time
	token       func() string
}

type Option func(*Generator)

// WithLocation sets the zone used for the date/time part. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(g *Generator) { g.loc = loc }
}

func WithMaxAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxAttempts = n
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithTokenSource replaces the random suffix source.
func WithTokenSource(token func() string) Option {
	return func(g *Generator) { g.token = token }
}

func New(prefix string, opts ...Option) *Generator {
	g := &Generator{
		prefix:      strings.ToUpper(strings.TrimSpace(prefix)),
		loc:         time.UTC,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		token:       RandomToken,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Generator) Prefix() string { return g.prefix }

func (g *Generator) stamp() string {
	return g.prefix + "-" + g.now().In(g.loc).Format(timestampLayout)
}

// Next returns a fresh candidate. It does not check storage.
func (g *Generator) Next() string {
	return g.stamp() + "-" + g.token()
}

// Fallback returns a candidate whose suffix is taken from a random UUID. It is
// used once Assign has run out of attempts and does not need a lookup.
func (g *Generator) Fallback() string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:fallbackLength]
	return g.stamp() + "-" + suffix
}

// Assign draws candidates until exists reports one as free, giving up after
// the configured number of attempts and returning Fallback. It always
// terminates. Lookup errors abort the assignment.
func (g *Generator) Assign(ctx context.Context, exists ExistsFunc, excludeID uuid.UUID) (string, error) {
	for i := 0; i < g.maxAttempts; i++ {
		candidate := g.Next()
		taken, err := exists(ctx, candidate, excludeID)
		if err != nil {
			return "", fmt.Errorf("check %s number: %w", g.prefix, err)
		}
		if !taken {
			return candidate, nil
		}
	}
	return g.Fallback(), nil
}

// RandomToken returns six Crockford base32 characters drawn from crypto/rand.
func RandomToken() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// Unreachable on supported platforms. Fall back to the clock.
		binary.BigEndian.PutUint32(b[:], uint32(time.Now().UnixNano()))
	}
	return EncodeToken(binary.BigEndian.Uint32(b[:]))
}

// EncodeToken renders the low 30 bits of v as six Crockford base32 characters.
func EncodeToken(v uint32) string {
	out := make([]byte, tokenLength)
	for i := tokenLength - 1; i >= 0; i-- {
		out[i] = crockfordAlphabet[v&0x1F]
		v >>= 5
	}
	return string(out)
}
