// Package runs is the entry point for executing pipeline definitions.
//
// A run moves through:
//   - submitted: the definition is fingerprinted and resolved; definition
//     issues are returned to the caller and no run is created
//   - running: the reporter holds a live record and the adapter executes
//   - succeeded | failed | partial: the terminal record is persisted
//
// Submit executes in the background and returns the run id at once; Run
// executes in the caller's goroutine. Cancel requests cooperative
// cancellation of a running run.
package runs
