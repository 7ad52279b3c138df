// Package session persists login sessions per username and accounts for
// how many users each outbound proxy serves.
//
// A Store sits on top of a Backend (memory, one JSON file per user, SQLite
// or Redis). Expiry is lazy: Get treats a record older than the TTL as
// absent but never deletes it, so the proxy binding and password hash
// outlive the session. Read-modify-write sequences for one username are
// serialized through a Locker; proxy binding additionally holds a short
// global assignment lock so capacity is never exceeded.
package session
