// Package call implements the one-to-one call lifecycle: ringing, offer and
// answer exchange, candidate queuing, activation, teardown, and live media
// changes.
//
// Every input (local commands, signaling messages, pion callbacks, timers and
// media results) is an event on one FIFO queue, handled by a single goroutine
// in Machine.Run. Handlers own the Session outright; nothing else touches it.
package call
