// Package gateway orchestrates the handoff-gateway server components.
//
// # Overview
//
// A Gateway owns every long-lived component of one process and wires them in
// dependency order:
//
//	store.Store            agents, sessions, conversations, transfer and audit logs
//	lock.Locker            per-conversation try-lock (memory, or redis for replicas)
//	notify.Dispatcher      broadcaster plus the optional AMQP, asynq and Matrix sinks
//	policy.Engine          rego authorization of ownership changes
//	presence.Tracker       sessions, heartbeats and the liveness sweep
//	assignment.Engine      candidate selection and routing recommendations
//	transfer.Coordinator   every ownership transition
//	api.Server             admin HTTP API and websocket stream
//
// # Background loops
//
// Run starts, under one errgroup, the HTTP server, the gRPC server carrying the
// standard health service, the liveness sweeper and the counter reconciler.
// The first failure or the cancellation of the context stops everything.
//
// When presence.release_on_expiry is set, sessions closed by the sweep release
// their agent's conversations through the coordinator. Every expiry is also
// published as an agent.offline event.
//
// # Listeners
//
// Without Tailscale the servers listen on server.http_addr and
// server.grpc_addr. With tailscale.enabled a tsnet node is started and the
// servers listen on :80 (or :443 with tailscale.https) and :50051 of the
// tailnet address.
package gateway
