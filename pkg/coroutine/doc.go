// Package coroutine provides a cooperative coroutine runtime used by the
// merge engine to write logically-blocking code over asynchronous storage.
//
// A coroutine is a function body running on its own worker goroutine, but
// never concurrently with its caller: control moves between the two sides
// in strict ping-pong through Continue (caller side) and Yield (body side).
// The body suspends with Yield while an asynchronous operation is
// outstanding; the operation's completion callback resumes it with
// Continue. The result reads like sequential code while the process as a
// whole stays event driven.
//
// # Lifecycle
//
// A handler moves through NotStarted, Running, Yielded and Finished.
// StartCoroutine registers the handler and performs the first Continue, so
// the body has run until its first Yield (or to completion) by the time
// StartCoroutine returns. When the body returns, the runtime removes the
// handler from its live set and parks the worker goroutine for reuse; the
// pool keeps a bounded number of idle workers and lets the rest exit.
//
// # Interruption
//
// Continue(true) marks the handler interrupted; the flag never clears.
// Every subsequent Yield returns true, telling the body to unwind without
// starting further suspending work. Closing the runtime force-continues
// every live coroutine with the interrupt flag set until all have
// finished, so no worker goroutines survive Close.
//
// # Contract violations
//
// Continuing a finished handler, yielding after Yield has already reported
// interruption, and concurrent Continue calls on one handler are
// programming errors and panic.
//
// Basic usage:
//
//	rt := coroutine.NewRuntime(coroutine.Config{})
//	defer rt.Close()
//
//	h := rt.StartCoroutine(func(h *coroutine.Handler) {
//		startAsyncWork(func() { h.Continue(false) })
//		if h.Yield() {
//			return // interrupted, unwind
//		}
//		// async work completed
//	})
package coroutine
