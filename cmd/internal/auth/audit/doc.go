// Package audit carries security events out of the authentication service.
//
// The service emits an Event through a Sink. Sinks fan out to structured
// logs, a Redis pub/sub channel and a live websocket feed for monitors.
// A Dispatcher decouples emitters from slow sinks.
package audit
