// Package transfer executes every change of conversation ownership.
//
// # States
//
// A conversation is Unassigned, PendingTransfer, Assigned or Released. The
// allowed moves are listed in one table (states.go); anything else is rejected
// with a typed error instead of being inferred from flag combinations.
//
//	Unassigned/Released --request--> PendingTransfer
//	Unassigned/Released --assign---> Assigned
//	PendingTransfer -----assign----> Assigned
//	PendingTransfer --cancel/reject-> Assigned (previous owner) or Unassigned
//	Assigned -----------request----> PendingTransfer (owner keeps it until a successor commits)
//	Assigned ------release/complete-> Released
//
// # Serialization
//
// Each transition takes a per-conversation try-lock and commits with a
// compare-and-set on the conversation version. Losing either race yields
// routing.ErrConcurrentModification; the coordinator never retries on the
// caller's behalf. Different conversations proceed in parallel.
//
// # Counters
//
// Agent.ActiveConversations changes only inside CommitTransition, together
// with the conversation row and exactly one transfer row. Reconcile compares
// the counters with the transfer log and can repair drift.
package transfer
