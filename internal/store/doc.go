// ABOUTME: Package documentation for the store package
// ABOUTME: Describes persistence responsibilities and tenant scoping rules

// Package store provides persistence for fleet-gateway's core entities:
// agents, executions, and schedules.
//
// Every row is scoped to a tenant and every query filters by tenant id;
// callers pass the tenant explicitly so that no query can accidentally
// cross tenant boundaries. The core only ever needs single-record
// atomicity and point lookups, so the SQLite implementation uses plain
// single-statement writes and no cross-record transactions.
//
// Executions are an audit trail: they are created and updated but never
// deleted. Agents are deactivated rather than deleted so historical
// executions keep a resolvable agent id.
package store
