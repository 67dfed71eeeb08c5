// Package server implements the realtime side of GoChat: the authenticated
// WebSocket endpoint, the Hub that routes events to user channels and
// conversation rooms, and the SessionHandler that runs the
// join_conversation, send_message and message_read operations.
//
// Files are split by concern: wire types, options, origin checks, hub,
// client pumps, session protocol, HTTP handlers, routes and the HTTP server.
package server
