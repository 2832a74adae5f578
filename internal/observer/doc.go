// Package observer serves the local websocket endpoint that relayed events are
// pushed to, plus health, version and metrics routes.
//
// Every connection is registered with the event bus. A writer loop polls the
// connection's queue and a reader loop turns inbound frames into commands; the
// two share an errgroup context so either side ending closes the connection.
package observer
