// Package events publishes execution lifecycle notifications.
//
// The ledger emits an ExecutionEvent whenever a chain or batch reaches a
// terminal status. Handlers registered on an EventEmitter observe those
// transitions without the ledger knowing who listens; the server wires
// handlers that log the event and count it in metrics.
package events
