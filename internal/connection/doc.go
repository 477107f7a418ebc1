// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Multiplexes any number of duplex transports behind one command/event interface
//   - Runs one worker goroutine per connection, which exclusively owns its Transport
//   - Fans events from every worker into a single outward stream (Events)
//   - Displaces an existing connection when the same ID connects again (last Connect wins)
//   - Shuts down when the last Handle clone is closed or the consumer closes Events
//
// Workers and the manager poll in bounded batches of 100 items per tick and
// back off for up to 5ms when idle, waking early when a command or event arrives.
// A fault on one connection (write/read error, panic in a Transport) only ever
// produces a Disconnect event for that connection.
package connection
