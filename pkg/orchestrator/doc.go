// Package orchestrator composes the session store, the proxy pool and the
// per-user rate limiter with the automation client.
//
// Acquire walks one request through the state machine
//
//	NoProxy -> ProxyAssigned -> SessionRestoring -> SessionValid
//	                                             -> SessionInvalid -> ReloggedIn
//	                                                               -> LoginFailed
//
// and hands back a Lease holding a client that is ready to use. Persisted
// mutations happen only when a proxy is bound and after a successful login;
// they are never rolled back on cancellation. Proxy connect failures are
// not retried within a request, but the user is moved to another healthy
// proxy so the caller's next attempt can succeed.
package orchestrator
