// Package chat contains the CHZZK live chat listener.
//
// A Listener keeps one Socket.IO session to the CHZZK event server open for
// as long as it runs:
//   - it asks the Open API for a session URL, dials the websocket endpoint
//     derived from it and speaks Engine.IO v3 (or v4) framing itself;
//   - the SYSTEM "connected" event hands out a session key, which is used to
//     subscribe the session to CHAT events over HTTP;
//   - the SYSTEM "subscribed" event confirms the subscription and reveals the
//     channel id; from then on every CHAT event is passed to the handler.
//
// Any transport or protocol failure tears the session down and the whole
// sequence starts again after an exponential backoff (2s doubling up to 30s,
// reset once a session reaches Subscribed). Stop ends the loop and waits for
// the goroutine to exit.
//
// Malformed frames are logged and skipped; they never end a session.
package chat
