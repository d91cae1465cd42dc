// Package sse binds protocol sessions to HTTP. Each GET /sse connection is
// one session: the server issues a fresh session token, announces the message
// endpoint in the stream handshake, and pushes every outbound frame as a
// stream event. The peer delivers inbound frames through POST /messages/
// addressed by that token; delivery is acknowledged immediately and decoupled
// from when the response appears on the stream.
//
// The handler also serves POST /convert, a stateless JSON convenience route
// that invokes the conversion capability directly without any session or
// protocol framing.
package sse
