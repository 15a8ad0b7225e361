// Package task manages background job queuing, processing, and lifecycle.
// Batch chunks and standalone chain runs are persisted as tasks before they
// are queued, so a restarted process can rebuild them from their stored
// payloads through registered factories and resume the work.
package task
