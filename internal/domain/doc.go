// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (credential.go, session.go, event.go, command.go, platform.go, errors.go)
// hold shared value types and the interfaces other packages implement. No I/O lives here.
// Interfaces stay on the consumer side where only one package needs them.
package domain
