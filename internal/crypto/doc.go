// Package crypto seals credential secrets at rest.
//
// AESGCM encrypts values with AES-256-GCM and tags them with a prefix so that
// records written before a key was configured still load. NoopService stores
// values as given.
package crypto
