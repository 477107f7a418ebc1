// Package relay is the session coordinator in front of the connection manager.
//
// A Hub upgrades incoming HTTP requests to WebSocket connections, hands each
// one to the manager under the peer id from the query string, and consumes
// the manager's event stream:
//
//   - broadcast mode sends every received frame to all other live peers
//   - echo mode returns every received frame to its sender
//
// Connects and disconnects are forwarded to an optional Recorder, normally
// the journal writer.
package relay
