// Package policy authorizes ownership transitions with a rego policy.
//
// The policy receives the event, the actor (id, role, tenant), the target
// agent and the current owner, and must define data.handoff.decision as
// "allow" or anything else to deny.
package policy
