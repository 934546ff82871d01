// Package trailhead provides an embeddable engine for user onboarding
// journeys.
//
// A journey is a versioned graph of steps (messages, forms, tours, tasks,
// videos, waits and branches) that guides a new user towards their first
// success with a product. Trailhead keeps track of where each user is,
// decides what comes next, records every transition in an append-only event
// log, and computes funnel and timing analytics straight from that log.
//
// # Core Concepts
//
//  1. Engine
//  2. JourneyBuilder
//  3. Session
//  4. Event log and analytics
//  5. Sweeper
//
// # Engine
//
// The Engine publishes journey versions and drives sessions through them:
//
//   - Publish validates a journey and stores it as an immutable version
//   - Start returns the user's session, creating it on the latest version
//   - CompleteStep checks the step's completion rule and advances
//   - Abandon ends a session early
//   - Events and Feed read the event log
//   - Stats and CompareVariants summarise a journey
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//
// The engine is request-driven and starts no goroutines. Concurrent
// completions of the same session are resolved with an optimistic
// compare-and-swap on the session's step and revision; the loser of a race
// is retried a bounded number of times and then reported as a conflict.
//
// # JourneyBuilder
//
// JourneyBuilder provides the fluent API used to define journeys in code:
//
//	_, err := trailhead.New("onboarding").
//	    Message("welcome", "Welcome").
//	    Form("profile", "name", "role").
//	    Branch("route", "tour",
//	        trailhead.Route("admin", trailhead.Where("role", trailhead.OpEq, "admin"))).
//	    Task("admin", "integration_connected").
//	    Tour("tour", "Take a look around").
//	    Done("done", "All set").
//	    Publish(ctx, eng)
//
// Journeys can also be written by hand as YAML or JSON documents; see the
// journeydoc package.
//
// # Sessions
//
// A session is bound to the journey version it started on. Publishing a new
// version only affects sessions started afterwards. Each session is assigned
// an A/B variant at creation; branch rules may route on it through the
// "session.variant" attribute.
//
// # Event log and analytics
//
// Every transition appends started, step_entered, step_completed,
// branch_taken, completed or abandoned events with a gap-free per-session
// sequence number. Stats folds those events into per-step funnels, average,
// median and p90 completion times, and completion rates; CompareVariants
// does the same per variant.
//
// # Sweeper
//
// The worker package's Sweeper abandons sessions that have been idle longer
// than a threshold, so drop-offs show up in the funnel. NewSQLiteBundle
// wires an engine and a sweeper over one database.
//
// # Getting Started
//
//	eng := trailhead.NewInMemoryEngine()
//	// publish a journey, then:
//	sess, err := trailhead.Start(ctx, eng, "onboarding", userID)
//	sess, err = trailhead.CompleteStep(ctx, eng, sess.ID, "welcome", nil)
//
// See the examples directory and the cmd/trailhead CLI for more.
package trailhead
