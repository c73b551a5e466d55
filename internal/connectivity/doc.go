// Package connectivity tracks whether the agent API host is reachable.
//
// Reachability is observational, not declarative: a completed HTTP exchange
// with the probe endpoint counts as online regardless of status code. The
// monitor probes on an interval, accepts out-of-band observations from
// other components, and announces transitions only.
package connectivity
