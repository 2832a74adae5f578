// Package stream drives broadcasts across every enabled service: it creates
// and updates them, stores the resulting ingest endpoints and writes the nginx
// push configuration that fans the encoder out to them.
package stream
