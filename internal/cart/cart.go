// Package cart provides the ephemeral per-contact cart store.
//
// Quantities are cumulative: repeated additions for the same product id
// increment, never overwrite. The Redis backend maps each cart onto a hash
// and uses HINCRBY so accumulation stays atomic across workers; the in-memory
// backend serves tests and single-process runs.
package cart

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/CedarLaneLabs/ChatterMill/internal/models"
)

// Store defines cart persistence for a contact.
type Store interface {
	// AddItems increments quantities for the given product ids. The cart is
	// created on first use. Quantities must be positive.
	AddItems(ctx context.Context, contactID string, additions map[int]int) error

	// Get returns the cart for a contact; an empty cart if none exists.
	Get(ctx context.Context, contactID string) (models.Cart, error)

	// Clear removes the cart for a contact.
	Clear(ctx context.Context, contactID string) error
}

func validateAdditions(additions map[int]int) error {
	for id, qty := range additions {
		if qty <= 0 {
			return fmt.Errorf("invalid quantity %d for product %d", qty, id)
		}
	}
	return nil
}

// RedisStore implements Store on a Redis hash per contact.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a cart store using the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "cart:"}
}

func (s *RedisStore) key(contactID string) string {
	return s.prefix + contactID
}

// AddItems increments quantities via HINCRBY, one field per product id.
func (s *RedisStore) AddItems(ctx context.Context, contactID string, additions map[int]int) error {
	if err := validateAdditions(additions); err != nil {
		return err
	}
	key := s.key(contactID)
	pipe := s.client.Pipeline()
	for id, qty := range additions {
		pipe.HIncrBy(ctx, key, strconv.Itoa(id), int64(qty))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cart add for %s failed: %w", contactID, err)
	}
	return nil
}

// Get reads the full hash and returns items sorted by product id.
func (s *RedisStore) Get(ctx context.Context, contactID string) (models.Cart, error) {
	cart := models.Cart{ContactID: contactID}
	fields, err := s.client.HGetAll(ctx, s.key(contactID)).Result()
	if err != nil {
		return cart, fmt.Errorf("cart read for %s failed: %w", contactID, err)
	}
	for field, value := range fields {
		id, err := strconv.Atoi(field)
		if err != nil {
			return cart, fmt.Errorf("cart for %s has non-numeric field %q", contactID, field)
		}
		qty, err := strconv.Atoi(value)
		if err != nil {
			return cart, fmt.Errorf("cart for %s has non-numeric quantity %q", contactID, value)
		}
		cart.Items = append(cart.Items, models.CartItem{ProductID: id, Quantity: qty})
	}
	sortItems(cart.Items)
	return cart, nil
}

// Clear deletes the cart hash.
func (s *RedisStore) Clear(ctx context.Context, contactID string) error {
	if err := s.client.Del(ctx, s.key(contactID)).Err(); err != nil {
		return fmt.Errorf("cart clear for %s failed: %w", contactID, err)
	}
	return nil
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	carts map[string]map[int]int
}

// NewMemoryStore creates an empty in-memory cart store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{carts: make(map[string]map[int]int)}
}

// AddItems increments quantities under the store lock.
func (s *MemoryStore) AddItems(ctx context.Context, contactID string, additions map[int]int) error {
	if err := validateAdditions(additions); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items, ok := s.carts[contactID]
	if !ok {
		items = make(map[int]int)
		s.carts[contactID] = items
	}
	for id, qty := range additions {
		items[id] += qty
	}
	return nil
}

// Get returns a snapshot of the cart sorted by product id.
func (s *MemoryStore) Get(ctx context.Context, contactID string) (models.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart := models.Cart{ContactID: contactID}
	for id, qty := range s.carts[contactID] {
		cart.Items = append(cart.Items, models.CartItem{ProductID: id, Quantity: qty})
	}
	sortItems(cart.Items)
	return cart, nil
}

// Clear removes the cart for a contact.
func (s *MemoryStore) Clear(ctx context.Context, contactID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.carts, contactID)
	return nil
}

func sortItems(items []models.CartItem) {
	sort.Slice(items, func(i, j int) bool {
		return items[i].ProductID < items[j].ProductID
	})
}
