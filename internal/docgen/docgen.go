// Package docgen provides the document generation collaborator interface.
//
// Generation is async-capable and possibly slow; every call is bounded by a
// configurable timeout so the interpreter is never blocked indefinitely. On
// timeout the caller follows the standard action failure path.
package docgen

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// DefaultGenerateTimeout bounds a generation call when no override is set.
const DefaultGenerateTimeout = 20 * time.Second

// Spec describes the document to generate.
type Spec struct {
	Kind       string `json:"kind"` // e.g. "product_sheet", "quote"
	ContactID  string `json:"contact_id"`
	ProductIDs []int  `json:"product_ids,omitempty"`
	Title      string `json:"title,omitempty"`
}

// Generator defines the document generation collaborator.
type Generator interface {
	// Generate renders a document and returns a reference (URL or id) the
	// channel client can deliver.
	Generate(ctx context.Context, spec Spec) (string, error)
}

// Bounded wraps a Generator with a hard timeout, converting a deadline
// overrun into models.ErrTimeout.
type Bounded struct {
	inner   Generator
	timeout time.Duration
}

// NewBounded wraps gen with the given timeout (DefaultGenerateTimeout if
// non-positive).
func NewBounded(gen Generator, timeout time.Duration) *Bounded {
	if timeout <= 0 {
		timeout = DefaultGenerateTimeout
	}
	return &Bounded{inner: gen, timeout: timeout}
}

// Generate runs the wrapped generator under the timeout.
func (b *Bounded) Generate(ctx context.Context, spec Spec) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	type result struct {
		ref string
		err error
	}
	done := make(chan result, 1)
	go func() {
		ref, err := b.inner.Generate(ctx, spec)
		done <- result{ref, err}
	}()

	select {
	case res := <-done:
		return res.ref, res.err
	case <-ctx.Done():
		slog.Warn("docgen.Bounded: generation timed out", "kind", spec.Kind, "contactID", spec.ContactID, "timeout", b.timeout)
		return "", fmt.Errorf("document generation for %s: %w", spec.ContactID, models.ErrTimeout)
	}
}

// MemoryGenerator implements Generator in process memory, minting opaque
// references. Stands in for the external rendering service in tests and
// DSN-less local runs.
type MemoryGenerator struct {
	mu   sync.Mutex
	docs map[string]Spec
	// Err, when set, is returned by every Generate call.
	Err error
	// Delay, when set, simulates a slow renderer.
	Delay time.Duration
}

var _ Generator = (*MemoryGenerator)(nil)

// NewMemoryGenerator creates an empty in-memory generator.
func NewMemoryGenerator() *MemoryGenerator {
	return &MemoryGenerator{docs: make(map[string]Spec)}
}

// Generate mints a reference and records the spec.
func (g *MemoryGenerator) Generate(ctx context.Context, spec Spec) (string, error) {
	if g.Delay > 0 {
		select {
		case <-time.After(g.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.Err != nil {
		return "", g.Err
	}
	ref := "doc://" + uuid.NewString()
	g.mu.Lock()
	g.docs[ref] = spec
	g.mu.Unlock()
	return ref, nil
}

// Generated returns the spec recorded for a reference.
func (g *MemoryGenerator) Generated(ref string) (Spec, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	spec, ok := g.docs[ref]
	return spec, ok
}
