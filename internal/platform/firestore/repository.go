package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection reads documents of one shape from a collection path, which may be nested
// ("products/p-1/components").
type Collection[T any] struct {
	provider *Provider
	path     string
}

// NewCollection binds T to path.
func NewCollection[T any](provider *Provider, path string) *Collection[T] {
	return &Collection[T]{provider: provider, path: strings.Trim(strings.TrimSpace(path), "/")}
}

// Path returns the normalised collection path.
func (c *Collection[T]) Path() string { return c.path }

// Get decodes the document id. A missing document yields an *Error whose IsNotFound is true.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	ref, err := c.collection(ctx)
	if err != nil {
		return out, err
	}
	if strings.TrimSpace(id) == "" {
		return out, WrapError(c.path+".get", errors.New("document id is required"))
	}
	snap, err := ref.Doc(id).Get(ctx)
	if err != nil {
		return out, WrapError(c.path+".get", err)
	}
	if err := snap.DataTo(&out); err != nil {
		return out, fmt.Errorf("firestore: decode %s/%s: %w", c.path, id, err)
	}
	return out, nil
}

// GetMany reads ids in one batched call and returns the documents that exist, keyed by id.
// Duplicate ids are read once.
func (c *Collection[T]) GetMany(ctx context.Context, ids []string) (map[string]T, error) {
	out := make(map[string]T, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ref, err := c.collection(ctx)
	if err != nil {
		return nil, err
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(ids))
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			return nil, WrapError(c.path+".getmany", errors.New("document id is required"))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		refs = append(refs, ref.Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, WrapError(c.path+".getmany", err)
	}
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc T
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("firestore: decode %s/%s: %w", c.path, snap.Ref.ID, err)
		}
		out[snap.Ref.ID] = doc
	}
	return out, nil
}

// Ping reads at most one document; an empty collection still counts as reachable.
func (c *Collection[T]) Ping(ctx context.Context) error {
	ref, err := c.collection(ctx)
	if err != nil {
		return err
	}
	iter := ref.Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return WrapError(c.path+".ping", err)
	}
	return nil
}

func (c *Collection[T]) collection(ctx context.Context) (*firestore.CollectionRef, error) {
	if c == nil || c.provider == nil {
		return nil, errors.New("firestore: collection has no provider")
	}
	if c.path == "" {
		return nil, errors.New("firestore: collection path is required")
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	ref := client.Collection(c.path)
	if ref == nil {
		// Collection returns nil for a path with an even number of segments.
		return nil, fmt.Errorf("firestore: %q is not a collection path", c.path)
	}
	return ref, nil
}
