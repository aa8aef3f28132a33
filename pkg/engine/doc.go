// Package engine provides the core types and interfaces for the CloudReaper
// lifecycle action engine.
//
// # Overview
//
// CloudReaper automates lifecycle operations for cloud resources: creating
// and retiring backups, snapshots, machine images and compute/database
// instances across accounts and regions. The engine models every provider
// operation as a two-phase, resumable protocol:
//
//  1. Execute - issue the mutating provider call and return an opaque
//     intermediate payload describing what was started
//  2. IsCompleted - called repeatedly at an external cadence with that
//     payload until the operation reaches a terminal state
//
// The invoking process is short-lived and stateless between invocations, so
// actions never block waiting for provider-side completion. Waiting is
// always expressed as "return pending, be re-invoked later". The
// intermediate payload is plain serializable bytes with no open handles, so
// any host process can resume a run.
//
// # Core Domain Types
//
//   - Resource: an addressable cloud object (account, region, provider id)
//     with tags and a provider status string
//   - Action: one named operation bound to a cloud resource type,
//     implementing the two-phase protocol
//   - Result: the structured terminal outcome of a completed run
//   - ActionError: a classified error carrying retry and cleanup semantics
//
// # Runner
//
// Runner is a reference driver for the protocol: it calls Execute once,
// round-trips the intermediate payload through a RunStore, and polls
// IsCompleted until a result, an error, or the action's completion timeout.
// Production deployments typically replace it with an external scheduler
// that persists the payload durably between invocations.
package engine
