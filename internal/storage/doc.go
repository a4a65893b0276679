// Package storage persists the schedule rules and generated artifacts the
// core works on.
//
// It currently supports:
//   - Rule CRUD + enable/disable and per-rule last-fired metadata
//   - Artifact records (content, reaction status, usage)
package storage
