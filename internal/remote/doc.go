// Package remote is the client side of the server boundary.
//
// Gateway is the transport interface the sync engine pushes through and
// pulls from; the HTTP implementation talks to a PostgREST-style API
// with optimistic concurrency via the record version. Realtime maintains
// a websocket subscription that nudges the engine when another device
// writes, so pulls happen promptly instead of waiting for the next
// periodic cycle.
//
// The error taxonomy lives here too: TransientError (retry with
// backoff), ConflictError (stale version token, carries the remote
// copy), AuthError (surface to the user, do not retry), and
// ValidationError (server rejected the payload).
package remote
