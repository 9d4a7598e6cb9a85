// Package storage provides job record storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL
//   - memory: In-process map, optionally bounded
package storage
