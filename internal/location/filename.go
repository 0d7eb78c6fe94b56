// Package location computes where stores live. Filename providers name a
// store; path providers combine a base URI, a filename and a device name into
// a storage.PathInfo. All providers serialise to a Spec so a location policy
// chosen in one process can be rebuilt in another.
package location

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrCounterExhausted is returned by AutoIncrement once the counter
	// reaches 10^MaxDigits. The counter does not wrap.
	ErrCounterExhausted = errors.New("filename counter exhausted")

	ErrUnknownKind = errors.New("unknown filename provider kind")
	ErrInvalidSpec = errors.New("invalid location spec")
)

// Filename provider kinds, as used in Spec.Kind.
const (
	KindStatic        = "static"
	KindUUID          = "uuid"
	KindAutoIncrement = "auto_increment"
)

// FilenameProvider names a store. device may be empty.
type FilenameProvider interface {
	Filename(device string) (string, error)
	Spec() Spec
}

// Static always returns the same name.
type Static struct {
	Name string
}

func (s Static) Filename(string) (string, error) {
	if s.Name == "" {
		return "", fmt.Errorf("%w: static filename is empty", ErrInvalidSpec)
	}
	return s.Name, nil
}

func (s Static) Spec() Spec {
	return Spec{Kind: KindStatic, Name: s.Name}
}

// UUID returns a fresh UUIDv7 per call, so names sort by creation time.
type UUID struct{}

func (UUID) Filename(string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid: %w", err)
	}
	return id.String(), nil
}

func (UUID) Spec() Spec {
	return Spec{Kind: KindUUID}
}

// AutoIncrement returns Base followed by a zero-padded counter:
// "scan000", "scan001", ... Once the counter reaches 10^MaxDigits it fails
// with ErrCounterExhausted. Its Spec carries the next counter value, so a
// provider rebuilt from the spec continues the sequence.
type AutoIncrement struct {
	base      string
	maxDigits int

	mu   sync.Mutex
	next int
}

// NewAutoIncrement creates a provider starting at start.
func NewAutoIncrement(base string, maxDigits, start int) (*AutoIncrement, error) {
	if maxDigits <= 0 || maxDigits > 18 {
		return nil, fmt.Errorf("%w: max_digits must be in 1..18, got %d", ErrInvalidSpec, maxDigits)
	}
	if start < 0 {
		return nil, fmt.Errorf("%w: start must not be negative, got %d", ErrInvalidSpec, start)
	}
	return &AutoIncrement{base: base, maxDigits: maxDigits, next: start}, nil
}

func (a *AutoIncrement) Filename(string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.next >= pow10(a.maxDigits) {
		return "", fmt.Errorf("%w: %s reached %d digits", ErrCounterExhausted, a.base, a.maxDigits)
	}
	name := fmt.Sprintf("%s%0*d", a.base, a.maxDigits, a.next)
	a.next++
	return name, nil
}

// Next returns the counter value the next call will use.
func (a *AutoIncrement) Next() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

func (a *AutoIncrement) Spec() Spec {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Spec{Kind: KindAutoIncrement, Base: a.base, MaxDigits: a.maxDigits, Next: a.next}
}

func pow10(n int) int {
	p := 1
	for range n {
		p *= 10
	}
	return p
}
