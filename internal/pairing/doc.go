// Package pairing decides whether a verified device may hold a session,
// tracking approved devices and pending approval requests in SQLite.
// Loopback devices can be auto-approved silently; remote devices queue a
// pending request that an operator resolves through the admin API.
package pairing
