// Package worker holds the optional background housekeeping for trailhead.
//
// The journey engine itself is request-driven and never runs goroutines of
// its own. Sessions that a user walks away from stay active until something
// abandons them; Sweeper is that something. It lists active sessions whose
// last activity is older than an idle threshold and abandons each one with
// the reason "idle_timeout", which records an abandoned event and lets the
// analytics count the drop-off.
//
// A Sweeper can be driven in two ways:
//
//   - SweepOnce performs a single pass. The CLI "sweep" command and cron
//     style schedulers use this.
//   - Run loops SweepOnce on a ticker until its context is cancelled, for
//     services that embed the engine.
//
// Several sweepers may run against the same store. Abandon is a no-op on a
// session that is already terminal, and a session that moved on between
// listing and abandoning is simply abandoned a little early or skipped on
// the next pass; neither case corrupts state.
package worker
