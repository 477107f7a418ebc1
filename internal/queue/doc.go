// Package queue implements the unbounded FIFO used for every command and
// event path in the connection manager.
//
// A Queue never blocks a sender. Receivers either Poll (non-blocking, with
// an explicit Closed state distinct from Empty) or Receive with a context.
// Closing is how a side signals that it is gone:
//   - a sender closes to say no more items will arrive
//   - a receiver closes to make further Sends fail
package queue
