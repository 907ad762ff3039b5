package storage

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON decodes the document stored under key into v.
func GetJSON(ctx context.Context, s Storage, key string, v any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// SetJSON encodes v and stores it under key.
func SetJSON(ctx context.Context, s Storage, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.Set(ctx, key, raw)
}
