// Package registry owns connection lifecycle and resource governance for the
// realtime core: admission against global, per-tenant and per-user caps,
// per-connection bounded backlogs, and the memory-pressure governor that
// evicts state when the process heap runs hot.
//
// # Admission
//
// Registration is a normal negative result, never an error: when any cap is
// reached Register returns false and the transport closes the connection.
//
//	if !reg.Register(connID, userID, tenantID) {
//		// over capacity, reject the connection
//	}
//
// Unregister is idempotent and is the single path for removal: explicit
// disconnects, heartbeat timeouts and governor evictions all go through it,
// which keeps the tenant and user indices consistent and fires the
// unregister hook (used to clean room membership in the broadcast engine).
//
// # Resource Governor
//
// The Governor samples heap usage on a fixed interval. At the critical
// threshold it runs emergency cleanup: all room and per-connection backlogs
// are cleared and the least-recently-active 10% of connections are evicted.
// At the warning threshold it runs optimization: empty rooms are dropped and
// oversized per-connection backlogs are truncated to half their cap. A
// separate sweep evicts connections idle beyond the connection timeout,
// independent of memory pressure.
//
// All pressure actions are best-effort and observable only through stats;
// they never propagate errors into caller code.
package registry
