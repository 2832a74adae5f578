// Package broadcast implements the event bus using the actor pattern.
//
// A single goroutine owns the map of observer queues and serves a command
// channel, so no mutex guards the map. Published events are marshalled once
// and appended to every queue in publish order. Queues never block the
// publisher: an observer that falls too far behind is evicted.
package broadcast
