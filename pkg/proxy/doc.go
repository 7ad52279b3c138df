// Package proxy selects outbound proxies for per-user clients.
//
// A Pool holds the configured candidates and probes them on demand by
// fetching a known URL through each one under a bounded timeout. The first
// healthy candidate wins; the scan order is either configuration order or a
// shuffled copy. Sweep checks every candidate with a small worker pool for
// the scheduled health job and the CLI.
package proxy
