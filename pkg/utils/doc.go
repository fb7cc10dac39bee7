// Package utils provides small, dependency-free concurrency and error
// helpers shared across the fdedup packages:
//   - Concurrent execution and worker pool helpers (concurrent.go)
//   - Panic recovery helpers (recovery.go)
package utils
