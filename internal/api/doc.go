// Package api exposes the pipeline over HTTP: starting and cancelling
// batches and standalone chains, and reading their execution records. It is
// a thin adapter; all orchestration lives in the batch and pipeline packages.
package api
