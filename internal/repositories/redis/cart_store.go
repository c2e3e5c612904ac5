package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domain "github.com/hanko-field/cartengine/internal/domain"
	predis "github.com/hanko-field/cartengine/internal/platform/redis"
	"github.com/hanko-field/cartengine/internal/platform/requestctx"
	"github.com/hanko-field/cartengine/internal/repositories"
)

const defaultMaxRetries = 5

var errSameCartKey = errors.New("merge source and destination are the same cart")

// CartStore keeps each cart in a single Redis hash. Every field is a product ID whose value is the
// JSON encoded entry record, so a product's quantity and side-data always change together.
type CartStore struct {
	client     *goredis.Client
	clock      func() time.Time
	maxRetries int
}

// CartStoreOption customises the store behaviour.
type CartStoreOption func(*CartStore)

// WithCartStoreClock overrides the clock used to stamp new entries.
func WithCartStoreClock(clock func() time.Time) CartStoreOption {
	return func(s *CartStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithCartStoreMaxRetries sets how many times an optimistic transaction is attempted.
func WithCartStoreMaxRetries(n int) CartStoreOption {
	return func(s *CartStore) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// NewCartStore constructs a Redis-backed cart store.
func NewCartStore(provider *predis.Provider, opts ...CartStoreOption) (*CartStore, error) {
	if provider == nil {
		return nil, errors.New("cart store requires redis provider")
	}
	client, err := provider.Client()
	if err != nil {
		return nil, err
	}
	store := &CartStore{
		client:     client,
		clock:      time.Now,
		maxRetries: defaultMaxRetries,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store, nil
}

var _ repositories.CartStore = (*CartStore)(nil)

type entryRecord struct {
	Quantity        int     `json:"quantity"`
	PriceModifier   *string `json:"priceModifier,omitempty"`
	SelectedOptions *string `json:"selectedOptions,omitempty"`
	AddedAt         int64   `json:"addedAt"`
}

func (r entryRecord) empty() bool {
	return r.Quantity <= 0 && r.PriceModifier == nil && r.SelectedOptions == nil
}

func (r entryRecord) toDomain(productID string) domain.CartEntry {
	entry := domain.CartEntry{
		ProductID:     productID,
		Quantity:      r.Quantity,
		AddedAtMillis: r.AddedAt,
	}
	if r.PriceModifier != nil {
		if modifier, err := decimal.NewFromString(*r.PriceModifier); err == nil {
			entry.PriceModifier = &modifier
		}
	}
	if r.SelectedOptions != nil {
		entry.SelectedOptions = *r.SelectedOptions
	}
	return entry
}

func encodeRecord(record entryRecord) (string, error) {
	payload, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("encode cart entry: %w", err)
	}
	return string(payload), nil
}

func decodeRecord(raw string) (entryRecord, bool) {
	var record entryRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return entryRecord{}, false
	}
	return record, true
}

// hashReader is satisfied by both the client and a watched transaction.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *goredis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *goredis.StringCmd
}

// readRecords loads every decodable entry of the cart. Undecodable values are skipped and logged.
func readRecords(ctx context.Context, cmd hashReader, cartKey string) (map[string]entryRecord, error) {
	raw, err := cmd.HGetAll(ctx, cartKey).Result()
	if err != nil {
		return nil, err
	}
	records := make(map[string]entryRecord, len(raw))
	for productID, value := range raw {
		record, ok := decodeRecord(value)
		if !ok {
			requestctx.Logger(ctx).Warn("cart entry skipped",
				zap.String("cartKey", cartKey),
				zap.String("productId", productID),
			)
			continue
		}
		records[productID] = record
	}
	return records, nil
}

func readRecord(ctx context.Context, cmd hashReader, cartKey, productID string) (entryRecord, bool, error) {
	raw, err := cmd.HGet(ctx, cartKey, productID).Result()
	if errors.Is(err, goredis.Nil) {
		return entryRecord{}, false, nil
	}
	if err != nil {
		return entryRecord{}, false, err
	}
	record, ok := decodeRecord(raw)
	if !ok {
		requestctx.Logger(ctx).Warn("cart entry overwritten",
			zap.String("cartKey", cartKey),
			zap.String("productId", productID),
		)
		return entryRecord{}, false, nil
	}
	return record, true, nil
}

// update runs fn under WATCH on keys, retrying when another writer invalidates the transaction.
func (s *CartStore) update(ctx context.Context, op string, fn func(tx *goredis.Tx) error, keys ...string) error {
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		err := s.client.Watch(ctx, fn, keys...)
		if err == nil {
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		var limitErr *repositories.QuantityLimitError
		if errors.As(err, &limitErr) {
			return err
		}
		return predis.WrapError(op, err)
	}
	return predis.WrapError(op, fmt.Errorf("%w after %d attempts", predis.ErrRetriesExhausted, s.maxRetries))
}

// mutateEntry applies fn to a single product record inside an optimistic transaction. fn returns the
// updated record and whether anything should be written. Empty records are removed from the hash.
func (s *CartStore) mutateEntry(ctx context.Context, op, cartKey, productID string, ttl time.Duration, fn func(current entryRecord, exists bool) (entryRecord, bool, error)) error {
	if err := validateKeys(cartKey, productID); err != nil {
		return err
	}
	return s.update(ctx, op, func(tx *goredis.Tx) error {
		current, exists, err := readRecord(ctx, tx, cartKey, productID)
		if err != nil {
			return err
		}
		next, write, err := fn(current, exists)
		if err != nil || !write {
			return err
		}
		if next.empty() {
			_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
				pipe.HDel(ctx, cartKey, productID)
				return nil
			})
			return err
		}
		if next.AddedAt == 0 {
			next.AddedAt = s.clock().UnixMilli()
		}
		payload, err := encodeRecord(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, cartKey, productID, payload)
			if ttl > 0 {
				pipe.PExpire(ctx, cartKey, ttl)
			}
			return nil
		})
		return err
	}, cartKey)
}

// mutateAll rewrites every record of the cart with fn inside one optimistic transaction.
func (s *CartStore) mutateAll(ctx context.Context, op, cartKey string, fn func(record entryRecord) (entryRecord, bool)) error {
	if err := validateKeys(cartKey, "-"); err != nil {
		return err
	}
	return s.update(ctx, op, func(tx *goredis.Tx) error {
		records, err := readRecords(ctx, tx, cartKey)
		if err != nil {
			return err
		}
		writes := make(map[string]any)
		var deletes []string
		for productID, record := range records {
			next, changed := fn(record)
			if !changed {
				continue
			}
			if next.empty() {
				deletes = append(deletes, productID)
				continue
			}
			payload, err := encodeRecord(next)
			if err != nil {
				return err
			}
			writes[productID] = payload
		}
		if len(writes) == 0 && len(deletes) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(writes) > 0 {
				pipe.HSet(ctx, cartKey, writes)
			}
			if len(deletes) > 0 {
				pipe.HDel(ctx, cartKey, deletes...)
			}
			return nil
		})
		return err
	}, cartKey)
}

// GetEntries returns every decodable record of the cart in no particular order.
func (s *CartStore) GetEntries(ctx context.Context, cartKey string) ([]domain.CartEntry, error) {
	if err := validateKeys(cartKey, "-"); err != nil {
		return nil, err
	}
	records, err := readRecords(ctx, s.client, cartKey)
	if err != nil {
		return nil, predis.WrapError("cart.get_entries", err)
	}
	entries := make([]domain.CartEntry, 0, len(records))
	for productID, record := range records {
		entries = append(entries, record.toDomain(productID))
	}
	return entries, nil
}

// GetAllItems returns product quantities; products present only through side-data are omitted.
func (s *CartStore) GetAllItems(ctx context.Context, cartKey string) (map[string]int, error) {
	entries, err := s.GetEntries(ctx, cartKey)
	if err != nil {
		return nil, err
	}
	items := make(map[string]int, len(entries))
	for _, entry := range entries {
		if entry.Quantity > 0 {
			items[entry.ProductID] = entry.Quantity
		}
	}
	return items, nil
}

// SetItem writes an absolute quantity while preserving the entry's side-data.
func (s *CartStore) SetItem(ctx context.Context, cartKey, productID string, quantity int, ttl time.Duration) error {
	return s.mutateEntry(ctx, "cart.set_item", cartKey, productID, ttl, func(current entryRecord, _ bool) (entryRecord, bool, error) {
		current.Quantity = quantity
		return current, true, nil
	})
}

// IncrementItem adds delta to the stored quantity and returns the new quantity.
func (s *CartStore) IncrementItem(ctx context.Context, cartKey, productID string, delta, limit int, ttl time.Duration) (int, error) {
	var result int
	err := s.mutateEntry(ctx, "cart.increment_item", cartKey, productID, ttl, func(current entryRecord, _ bool) (entryRecord, bool, error) {
		existing := current.Quantity
		if existing < 0 {
			existing = 0
		}
		next := existing + delta
		if limit > 0 && next > limit {
			return entryRecord{}, false, &repositories.QuantityLimitError{
				ProductID: productID,
				Current:   existing,
				Requested: delta,
				Limit:     limit,
			}
		}
		current.Quantity = next
		result = next
		return current, true, nil
	})
	if err != nil {
		return 0, err
	}
	return result, nil
}

// ReplaceItem writes an absolute quantity only when the product already has a quantity in the cart.
func (s *CartStore) ReplaceItem(ctx context.Context, cartKey, productID string, quantity int, ttl time.Duration) (bool, error) {
	var existed bool
	err := s.mutateEntry(ctx, "cart.replace_item", cartKey, productID, ttl, func(current entryRecord, exists bool) (entryRecord, bool, error) {
		existed = exists && current.Quantity > 0
		if !existed {
			return entryRecord{}, false, nil
		}
		current.Quantity = quantity
		return current, true, nil
	})
	if err != nil {
		return false, err
	}
	return existed, nil
}

// RemoveItem deletes the product's record, dropping its modifier and options with it.
func (s *CartStore) RemoveItem(ctx context.Context, cartKey, productID string) (bool, error) {
	if err := validateKeys(cartKey, productID); err != nil {
		return false, err
	}
	removed, err := s.client.HDel(ctx, cartKey, productID).Result()
	if err != nil {
		return false, predis.WrapError("cart.remove_item", err)
	}
	return removed > 0, nil
}

// DeleteCart removes the whole cart key.
func (s *CartStore) DeleteCart(ctx context.Context, cartKey string) error {
	if err := validateKeys(cartKey, "-"); err != nil {
		return err
	}
	if err := s.client.Del(ctx, cartKey).Err(); err != nil {
		return predis.WrapError("cart.delete", err)
	}
	return nil
}

// Exists reports whether the cart key is present.
func (s *CartStore) Exists(ctx context.Context, cartKey string) (bool, error) {
	if err := validateKeys(cartKey, "-"); err != nil {
		return false, err
	}
	count, err := s.client.Exists(ctx, cartKey).Result()
	if err != nil {
		return false, predis.WrapError("cart.exists", err)
	}
	return count > 0, nil
}

// RefreshTTL resets the expiry of the cart. Missing carts are left alone.
func (s *CartStore) RefreshTTL(ctx context.Context, cartKey string, ttl time.Duration) error {
	if err := validateKeys(cartKey, "-"); err != nil {
		return err
	}
	if ttl <= 0 {
		return nil
	}
	if err := s.client.PExpire(ctx, cartKey, ttl).Err(); err != nil {
		return predis.WrapError("cart.refresh_ttl", err)
	}
	return nil
}

// Merge folds the source cart into the destination cart within a single optimistic transaction.
// It reports whether the source held any entries.
func (s *CartStore) Merge(ctx context.Context, sourceKey, destKey string, destTTL time.Duration) (bool, error) {
	if err := validateKeys(sourceKey, "-"); err != nil {
		return false, err
	}
	if err := validateKeys(destKey, "-"); err != nil {
		return false, err
	}
	if sourceKey == destKey {
		return false, errSameCartKey
	}
	var moved bool
	err := s.update(ctx, "cart.merge", func(tx *goredis.Tx) error {
		moved = false
		source, err := readRecords(ctx, tx, sourceKey)
		if err != nil {
			return err
		}
		if len(source) == 0 {
			return nil
		}
		dest, err := readRecords(ctx, tx, destKey)
		if err != nil {
			return err
		}

		writes := make(map[string]any, len(source))
		for productID, incoming := range source {
			merged := mergeRecords(dest[productID], incoming)
			if merged.empty() {
				continue
			}
			payload, err := encodeRecord(merged)
			if err != nil {
				return err
			}
			writes[productID] = payload
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			if len(writes) > 0 {
				pipe.HSet(ctx, destKey, writes)
			}
			if destTTL > 0 {
				pipe.PExpire(ctx, destKey, destTTL)
			}
			pipe.Del(ctx, sourceKey)
			return nil
		})
		if err != nil {
			return err
		}
		moved = true
		return nil
	}, sourceKey, destKey)
	if err != nil {
		return false, err
	}
	return moved, nil
}

// mergeRecords sums quantities, lets the incoming side-data win when present and keeps the
// earliest insertion time.
func mergeRecords(existing, incoming entryRecord) entryRecord {
	merged := existing
	merged.Quantity = positive(existing.Quantity) + positive(incoming.Quantity)
	if incoming.PriceModifier != nil {
		merged.PriceModifier = incoming.PriceModifier
	}
	if incoming.SelectedOptions != nil {
		merged.SelectedOptions = incoming.SelectedOptions
	}
	switch {
	case existing.AddedAt == 0:
		merged.AddedAt = incoming.AddedAt
	case incoming.AddedAt != 0 && incoming.AddedAt < existing.AddedAt:
		merged.AddedAt = incoming.AddedAt
	}
	return merged
}

func positive(n int) int {
	if n < 0 {
		return 0
	}
	return n
}

// GetAllPriceModifiers returns the modifiers of entries that carry one.
func (s *CartStore) GetAllPriceModifiers(ctx context.Context, cartKey string) (map[string]decimal.Decimal, error) {
	entries, err := s.GetEntries(ctx, cartKey)
	if err != nil {
		return nil, err
	}
	modifiers := make(map[string]decimal.Decimal)
	for _, entry := range entries {
		if entry.PriceModifier != nil {
			modifiers[entry.ProductID] = *entry.PriceModifier
		}
	}
	return modifiers, nil
}

// SetPriceModifier stores the product's price modifier and refreshes the cart TTL.
func (s *CartStore) SetPriceModifier(ctx context.Context, cartKey, productID string, modifier decimal.Decimal, ttl time.Duration) error {
	encoded := modifier.String()
	return s.mutateEntry(ctx, "cart.set_price_modifier", cartKey, productID, ttl, func(current entryRecord, _ bool) (entryRecord, bool, error) {
		current.PriceModifier = &encoded
		return current, true, nil
	})
}

// RemovePriceModifier clears the product's price modifier and reports whether one was set.
func (s *CartStore) RemovePriceModifier(ctx context.Context, cartKey, productID string) (bool, error) {
	var removed bool
	err := s.mutateEntry(ctx, "cart.remove_price_modifier", cartKey, productID, 0, func(current entryRecord, exists bool) (entryRecord, bool, error) {
		if !exists || current.PriceModifier == nil {
			return current, false, nil
		}
		removed = true
		current.PriceModifier = nil
		return current, true, nil
	})
	return removed, err
}

// DeletePriceModifiers clears the price modifier of every entry in the cart.
func (s *CartStore) DeletePriceModifiers(ctx context.Context, cartKey string) error {
	return s.mutateAll(ctx, "cart.delete_price_modifiers", cartKey, func(record entryRecord) (entryRecord, bool) {
		if record.PriceModifier == nil {
			return record, false
		}
		record.PriceModifier = nil
		return record, true
	})
}

// GetAllSelectedOptions returns the raw serialized options of entries that carry them.
func (s *CartStore) GetAllSelectedOptions(ctx context.Context, cartKey string) (map[string]string, error) {
	entries, err := s.GetEntries(ctx, cartKey)
	if err != nil {
		return nil, err
	}
	options := make(map[string]string)
	for _, entry := range entries {
		if entry.SelectedOptions != "" {
			options[entry.ProductID] = entry.SelectedOptions
		}
	}
	return options, nil
}

// SetSelectedOptions stores the serialized options verbatim and refreshes the cart TTL.
func (s *CartStore) SetSelectedOptions(ctx context.Context, cartKey, productID string, options string, ttl time.Duration) error {
	return s.mutateEntry(ctx, "cart.set_selected_options", cartKey, productID, ttl, func(current entryRecord, _ bool) (entryRecord, bool, error) {
		current.SelectedOptions = &options
		return current, true, nil
	})
}

// RemoveSelectedOptions clears the product's options and reports whether any were set.
func (s *CartStore) RemoveSelectedOptions(ctx context.Context, cartKey, productID string) (bool, error) {
	var removed bool
	err := s.mutateEntry(ctx, "cart.remove_selected_options", cartKey, productID, 0, func(current entryRecord, exists bool) (entryRecord, bool, error) {
		if !exists || current.SelectedOptions == nil {
			return current, false, nil
		}
		removed = true
		current.SelectedOptions = nil
		return current, true, nil
	})
	return removed, err
}

// DeleteAllSelectedOptions clears the options of every entry in the cart.
func (s *CartStore) DeleteAllSelectedOptions(ctx context.Context, cartKey string) error {
	return s.mutateAll(ctx, "cart.delete_selected_options", cartKey, func(record entryRecord) (entryRecord, bool) {
		if record.SelectedOptions == nil {
			return record, false
		}
		record.SelectedOptions = nil
		return record, true
	})
}

// Ping checks connectivity with Redis.
func (s *CartStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return predis.WrapError("cart.ping", err)
	}
	return nil
}

func validateKeys(cartKey, productID string) error {
	if strings.TrimSpace(cartKey) == "" {
		return errors.New("cart key is required")
	}
	if strings.TrimSpace(productID) == "" {
		return errors.New("product id is required")
	}
	return nil
}
