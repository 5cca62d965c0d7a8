// Package relay is the signaling hub the call clients log in to. It owns the
// roster and admin presence and forwards call and negotiation messages
// between participants; media never passes through it.
//
// Connections reach the hub over WebSocket (WebSocketServer) or through the
// redis mailbox (MailboxBridge). Both feed the same Hub.
package relay
