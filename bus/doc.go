// Package bus implements the delivery bus: a bounded in-process queue with a
// single dispatch goroutine, request/response correlation with timeouts, and
// broadcast fan-out over the participant registry.
//
// Delivery follows a fixed chain per message: correlated responses settle
// their outstanding request, then target handlers run (with reply and error
// synthesis), then kind callbacks, then a default handler that acknowledges
// ordinary traffic. Backpressure is explicit: a full queue rejects the
// submission immediately instead of blocking the caller.
package bus
