// Package peertube talks to a self-hosted PeerTube instance: password and
// refresh grants against the instance's OAuth endpoint, and the REST calls
// needed to create, update and list live videos.
//
// Every call is bound to the base URL stored in the service's credential
// record, so one Platform value serves any number of instances.
package peertube
