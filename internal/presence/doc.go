// Package presence tracks agent sessions and resolves liveness.
//
// # Sessions
//
// An agent logs in with StartSession, which opens exactly one session and
// marks the agent Available. The client then heartbeats every 30 seconds or
// so; a heartbeat may carry a state change (Busy, Away, DoNotDisturb) and a
// status message. EndSession closes the session and marks the agent Offline.
//
// Heartbeats for unknown or ended sessions return routing.ErrStaleSession.
// They are logged and counted but need no action from the caller.
//
// # Effective Presence
//
// The stored agent state is never trusted on its own. EffectivePresence
// compares now minus the session's last heartbeat against the liveness window
// (90 seconds by default). A session outside the window, or no session at all,
// resolves to Offline whatever the stored state says.
//
// # Liveness Sweep
//
// RunSweeper calls Sweep on a ticker (30 to 60 seconds). Sweep closes every
// session outside the window and then runs the registered expiry hooks. Each
// record is handled on its own: a store error or a panicking hook is logged,
// counted in SweepResult.Failed and the sweep moves on.
package presence
