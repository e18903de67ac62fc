// Package store provides persistent storage for routing state.
//
// # Architecture
//
// The store package uses an interface-driven architecture with specialized
// interfaces composed into Store:
//
//   - AgentStore: staff members, their presence state and active counters
//   - SessionStore: login sessions, the unit of liveness
//   - ConversationStore: conversation assignment fields and CommitTransition
//   - TransferStore: the ownership audit trail
//   - AuditStore: operator and system action log
//
// SQLStore implements all interfaces on database/sql with three drivers:
// "sqlite" (modernc.org/sqlite), "sqlite3" (mattn/go-sqlite3) and "pgx"
// (jackc/pgx/v5). MockStore is an in-memory implementation with the same
// semantics for service tests.
//
// # Transitions
//
// CommitTransition is the only write path for assignment fields. In one
// transaction it:
//
//  1. updates the conversation if its version still matches (optimistic CAS)
//  2. increments the new owner's counter only while under capacity
//  3. decrements the previous owner's counter
//  4. finalizes a pending transfer row or inserts a new one
//
// Two partial unique indexes back the invariants: one open session per agent
// and one Pending transfer per conversation.
//
// # Timestamps
//
// Times are stored as fixed-width RFC3339 text in UTC so that they sort
// lexically in every dialect.
package store
