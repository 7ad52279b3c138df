// Package server exposes login, logout and profile lookups over HTTP.
//
// Every route calls into the orchestrator and maps its typed errors to a
// stable status code with a safe message. Requests carry an X-Request-ID
// that is added to every log line written while serving them.
package server
