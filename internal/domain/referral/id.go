package referral

import (
	"crypto/rand"
	"fmt"
	"io"
	"time"
)

const (
	DefaultIDPrefix = "TX-REF"
	idAlphabet      = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	idSuffixLen     = 3
)

// IDGenerator issues human-readable referral ids of the form
// PREFIX-YYYY-NNNNNN-XXX, where NNNNNN is the low six digits of the Unix
// millisecond clock and XXX is random base32.
type IDGenerator struct {
	prefix string
	rand   io.Reader
}

func NewIDGenerator(prefix string) *IDGenerator {
	if prefix == "" {
		prefix = DefaultIDPrefix
	}
	return &IDGenerator{prefix: prefix, rand: rand.Reader}
}

func (g *IDGenerator) Next(now time.Time) (string, error) {
	buf := make([]byte, idSuffixLen)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", fmt.Errorf("read random suffix: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	millis := now.UnixMilli() % 1_000_000
	return fmt.Sprintf("%s-%04d-%06d-%s", g.prefix, now.Year(), millis, buf), nil
}
