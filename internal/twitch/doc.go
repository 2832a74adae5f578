// Package twitch integrates with Twitch.
//
// Auth implements the token lifecycle (validate, refresh, authorization-code
// flow). Client wraps the Helix API for one session at a time. EventSub holds a
// single push-event websocket connection and delivers notifications to
// handlers. Platform plugs the broadcast operations into the stream package.
package twitch
