// Package credstore persists credential records and broadcast defaults.
//
// FileStore keeps everything in one JSON document written atomically. The
// postgres and redis subpackages provide shared backends. Encrypted wraps any
// Store and seals secrets before they reach the backend. Open selects the
// backend from configuration.
package credstore
