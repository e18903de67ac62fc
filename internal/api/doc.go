// Package api serves the admin HTTP API of the handoff gateway.
//
// Every route under /api requires a bearer token unless authentication is
// disabled. Tokens carry a role (admin, agent or bot) and optionally a tenant;
// tenant-scoped callers never see records of other tenants, which surface as
// not found rather than forbidden.
//
// Errors are JSON objects with an "error" message and a stable "code" taken
// from the routing error taxonomy:
//
//	validation_error          400
//	not_found                 404
//	capacity_exceeded         409
//	agent_unavailable         409
//	concurrent_modification   409
//	session_already_active    409
//	stale_session             410
//	policy_denied             403
//	invalid_transition        422
//
// Assign, release and handoff accept an Idempotency-Key header. A repeated
// key replays the first answer and sets Idempotent-Replay: true.
package api
