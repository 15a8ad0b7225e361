// Package gemini adapts Google's Gemini API to the stages.Analyzer interface.
//
// The adapter sends one GenerateContent call per analysis and classifies the
// outcome for the orchestrator: rate limits, server errors and transport
// failures come back wrapped with pipeline.Retryable so the stage retry
// policy applies; safety blocks and malformed requests are returned as plain
// errors and fail the stage immediately.
package gemini
