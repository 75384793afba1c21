// Package tracker implements the state tracker of test files run by a
// long-lived worker process.
//
// Overview
// The Tracker owns an event loop (Do), a worker.Handle and a state per test
// file. Callers dispatch test files, stop running ones or re-run the passed or
// failed ones. The worker reports the start and the result of every run; the
// tracker republishes each report to the subscribers and derives edge
// triggered transition events from them.
//
// State of a test file:
//
//	Idle -dispatch-> Waiting -test-> Running -pass, whole file-> Passed
//	                                 Running -fail, any lines--> Failed
//	Passed, Failed -dispatch-> Waiting
//
// Waiting and Running are independent flags, a file may be dispatched again
// while its previous run is still running.
//
// Invariants:
//   - All state is mutated by the event loop only.
//   - A file is dispatched at most once until the worker acknowledges it.
//   - fail-to-pass is emitted only when a whole file run passes after a fail.
//   - pass-to-fail is emitted when any run, whole or partial, fails after a pass.
//   - A result of a run cleared by StopRunning changes no verdict.
//   - RestartWorker re-dispatches every waiting and running file.
//
// Change scope of a dispatch is computed by diff.Detector, which remembers
// the content of every dispatched file in memory.
package tracker
