package service

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

	// Largest multiple of len(codeAlphabet) that fits a byte; bytes at or
	// above it are rejected so every symbol is equally likely.
	codeByteLimit = 256 - 256%len(codeAlphabet)

	minGeneratedLength = 6
	maxFilterSkips     = 8
)

// CodeGenerator draws random short codes. A bloom filter of codes already in
// the store lets it skip candidates that are probably taken; the store's
// uniqueness check remains the authority.
type CodeGenerator struct {
	length int
	random io.Reader

	mu     sync.Mutex
	filter *bloom.BloomFilter
}

// NewCodeGenerator returns a generator for codes of the given length, with a
// membership filter sized for capacity codes at the given false positive rate.
func NewCodeGenerator(length int, capacity uint, fpRate float64) *CodeGenerator {
	if length < minGeneratedLength {
		length = minGeneratedLength
	}
	if length > maxCodeLength {
		length = maxCodeLength
	}
	if capacity == 0 {
		capacity = 1 << 16
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}
	return &CodeGenerator{
		length: length,
		random: rand.Reader,
		filter: bloom.NewWithEstimates(capacity, fpRate),
	}
}

// Generate returns a fresh candidate code.
func (g *CodeGenerator) Generate() (string, error) {
	var candidate string
	for i := 0; i < maxFilterSkips; i++ {
		code, err := g.draw()
		if err != nil {
			return "", err
		}
		candidate = code
		if !g.probablyTaken(code) {
			break
		}
	}
	return candidate, nil
}

// Remember marks code as used.
func (g *CodeGenerator) Remember(code string) {
	g.mu.Lock()
	g.filter.AddString(code)
	g.mu.Unlock()
}

// Seed loads codes already present in the store.
func (g *CodeGenerator) Seed(codes []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, code := range codes {
		g.filter.AddString(code)
	}
}

func (g *CodeGenerator) probablyTaken(code string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.filter.TestString(code)
}

func (g *CodeGenerator) draw() (string, error) {
	out := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(out) < g.length {
		if _, err := io.ReadFull(g.random, buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		for _, b := range buf {
			if int(b) >= codeByteLimit {
				continue
			}
			out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
			if len(out) == g.length {
				break
			}
		}
	}
	return string(out), nil
}
