// Package ratelimit provides sliding-window attempt limiting with
// per-identity and per-scope aggregate budgets. An attempt is charged
// when checked and can be rolled back on success, so failed credential
// probes always consume budget.
package ratelimit
