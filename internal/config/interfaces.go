package config

import "context"

// SecretProvider resolves secret pointers (SSM parameter paths or equivalent
// keys) to plaintext values. Keys that cannot be found are omitted from the
// returned map.
type SecretProvider interface {
	GetParametersBatch(ctx context.Context, keys []string) (map[string]string, error)
}
