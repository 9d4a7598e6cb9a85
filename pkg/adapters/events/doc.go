// Package events provides event bus implementations.
//
// Implementations:
//   - redis: Redis Streams, either fan-out tailing or consumer groups
//   - memory: In-process, ordered delivery per subscriber
package events
