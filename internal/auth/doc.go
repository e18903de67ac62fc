// Package auth authenticates callers of the admin API.
//
// # Tokens
//
// Operators, agents and bots present HS256 JWTs signed with auth.jwt_secret:
//
//	{"sub": "agent-7", "role": "agent", "tenant": "hotel-1", "exp": ...}
//
// role is one of admin, agent or bot (default agent). A tenant claim scopes the
// caller to that tenant's conversations; without it the caller sees all tenants.
//
// # Middleware
//
// Middleware puts the verified Identity on the request context and handlers
// turn it into a transfer.Actor. With an empty secret every request runs as an
// anonymous admin, which is only meant for local development.
package auth
