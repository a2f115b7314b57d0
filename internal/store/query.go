package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// Get decodes the record with the given key into a T, or returns nil when
// there is none.
func Get[T any](ctx context.Context, g *Gateway, storeName string, id interface{}) (*T, error) {
	raw, err := g.GetByID(ctx, storeName, id)
	if err != nil || raw == nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", storeName, err)
	}
	return &v, nil
}

func All[T any](ctx context.Context, g *Gateway, storeName string) ([]T, error) {
	raws, err := g.GetAll(ctx, storeName)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](storeName, raws)
}

func ByIndex[T any](ctx context.Context, g *Gateway, storeName, indexName string, value interface{}) ([]T, error) {
	raws, err := g.QueryByIndex(ctx, storeName, indexName, value)
	if err != nil {
		return nil, err
	}
	return decodeAll[T](storeName, raws)
}

// Filter loads the whole store and keeps the records accepted by keep.
func Filter[T any](ctx context.Context, g *Gateway, storeName string, keep func(T) bool) ([]T, error) {
	all, err := All[T](ctx, g, storeName)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(all))
	for _, v := range all {
		if keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func decodeAll[T any](storeName string, raws []json.RawMessage) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("failed to decode %s record: %w", storeName, err)
		}
		out = append(out, v)
	}
	return out, nil
}
