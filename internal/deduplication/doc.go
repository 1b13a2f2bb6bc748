// Package deduplication collapses concurrent identical analysis requests into
// one execution.
//
// # Overview
//
// Two submissions are identical when they share a Key: service class, model,
// app, and task kind. The first caller of a key becomes the leader and runs
// the dispatch; later callers attach as waiters and receive the leader's
// Outcome when it finishes. The key is cleared as soon as the outcome is
// published, so the next submission starts a fresh execution.
//
// # Atomicity
//
// Claim performs check-and-register under a single mutex over the in-flight
// map. Finish removes the key and closes the execution's done channel, which
// fans the outcome out to every waiter at once. A leader cancelled before it
// has an outcome calls Abandon instead: waiters see ErrAbandoned, claim the
// key again, and one of them becomes the new leader.
//
// # Cross-process claims
//
// With a ClaimStore (RedisClaimStore) the leader additionally takes a Redis
// claim with SET NX PX. If another process already holds it, the local
// execution waits for that process's outcome, which is published under a
// result key and picked up by polling. While it runs, the leader refreshes
// the claim every third of ClaimTTL with an owner-checked PEXPIRE, so a long
// run with retries never outlives its claim. The claim is released through a
// Lua compare-and-delete so a leader never releases a claim it no longer owns.
// Store errors degrade to process-local deduplication.
//
// # Configuration
//
//   - Enabled: true (set false to dispatch every submission on its own)
//   - RedisAddr: "" (process-local)
//   - ClaimTTL: 30 minutes
//   - PollInterval: 500ms
package deduplication
