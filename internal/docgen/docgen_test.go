package docgen

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

func TestMemoryGeneratorMintsReferences(t *testing.T) {
	g := NewMemoryGenerator()
	spec := Spec{Kind: "product_sheet", ContactID: "c1", ProductIDs: []int{1, 2}}

	ref, err := g.Generate(context.Background(), spec)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(ref, "doc://") {
		t.Errorf("ref = %q, want doc:// prefix", ref)
	}
	recorded, ok := g.Generated(ref)
	if !ok || recorded.Kind != "product_sheet" || len(recorded.ProductIDs) != 2 {
		t.Errorf("recorded spec = %+v", recorded)
	}
}

func TestBoundedTimesOut(t *testing.T) {
	slow := NewMemoryGenerator()
	slow.Delay = time.Second
	b := NewBounded(slow, 10*time.Millisecond)

	_, err := b.Generate(context.Background(), Spec{Kind: "quote", ContactID: "c1"})
	if !errors.Is(err, models.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestBoundedPassesThroughSuccessAndFailure(t *testing.T) {
	g := NewMemoryGenerator()
	b := NewBounded(g, time.Second)

	ref, err := b.Generate(context.Background(), Spec{Kind: "quote", ContactID: "c1"})
	if err != nil || ref == "" {
		t.Fatalf("generate = %q, %v", ref, err)
	}

	g.Err = errors.New("renderer offline")
	if _, err := b.Generate(context.Background(), Spec{Kind: "quote", ContactID: "c1"}); err == nil {
		t.Error("inner failure must propagate")
	}
}
