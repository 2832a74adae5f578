// Package relay runs the event relay: one EventSub subscription per enabled
// Twitch service, an event bus fanning notifications out to local observers,
// and a chat dispatcher carrying observer commands back to the platform.
package relay
