// Package instagram adapts the account automation bridge to the Client
// interface used by the orchestrator.
//
// A Client carries opaque session settings and an outbound proxy. Settings
// come back from Login, are restored with SetSettings and are read back
// with GetSettings for persistence; the package never looks inside them.
// Failures are reported with the typed errors from pkg/errors:
//
//	err := client.Probe(ctx)
//	switch {
//	case errors.Is(err, errs.ErrLoginRequired):
//	    // stale session, log in again
//	case errors.Is(err, errs.ErrProxyConnect):
//	    // proxy is down, let the caller retry
//	}
//
// HTTPClient talks to a bridge service over HTTP. FakeBridge is an
// in-memory bridge for tests.
package instagram
