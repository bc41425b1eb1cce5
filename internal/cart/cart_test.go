package cart

import (
	"context"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

func TestMemoryStoreAccumulates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.AddItems(ctx, "c1", map[int]int{101: 2, 102: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddItems(ctx, "c1", map[int]int{101: 1}); err != nil {
		t.Fatalf("second add: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []models.CartItem{{ProductID: 101, Quantity: 3}, {ProductID: 102, Quantity: 1}}
	if !reflect.DeepEqual(got.Items, want) {
		t.Errorf("items = %+v, want %+v", got.Items, want)
	}
}

func TestMemoryStoreRejectsNonPositiveQuantity(t *testing.T) {
	s := NewMemoryStore()
	if err := s.AddItems(context.Background(), "c1", map[int]int{101: 0}); err == nil {
		t.Error("zero quantity must be rejected")
	}
	if err := s.AddItems(context.Background(), "c1", map[int]int{101: -2}); err == nil {
		t.Error("negative quantity must be rejected")
	}
}

func TestMemoryStoreClear(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if err := s.AddItems(ctx, "c1", map[int]int{1: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Items) != 0 {
		t.Errorf("cart not empty after clear: %+v", got.Items)
	}
}

func TestRedisStoreAccumulates(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	ctx := context.Background()

	if err := s.AddItems(ctx, "c1", map[int]int{101: 2, 102: 1}); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if err := s.AddItems(ctx, "c1", map[int]int{101: 3, 102: 1}); err != nil {
		t.Fatalf("second add: %v", err)
	}

	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	want := []models.CartItem{{ProductID: 101, Quantity: 5}, {ProductID: 102, Quantity: 2}}
	if !reflect.DeepEqual(got.Items, want) {
		t.Errorf("items = %+v, want %+v", got.Items, want)
	}

	// Carts are isolated per contact.
	other, err := s.Get(ctx, "c2")
	if err != nil {
		t.Fatal(err)
	}
	if len(other.Items) != 0 {
		t.Errorf("unexpected items for other contact: %+v", other.Items)
	}
}

func TestRedisStoreClear(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client)
	ctx := context.Background()

	if err := s.AddItems(ctx, "c1", map[int]int{7: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx, "c1"); err != nil {
		t.Fatal(err)
	}
	got, err := s.Get(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Items) != 0 {
		t.Errorf("cart not empty after clear: %+v", got.Items)
	}
}
