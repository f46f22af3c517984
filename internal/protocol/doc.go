// Package protocol defines the coordination protocol spoken by the router,
// data and support agents: the message envelope, the per-task lifecycle,
// the error taxonomy carried in task_error replies, and the transports that
// move envelopes between agent addresses.
package protocol
