// Package config parses the canonical Route YAML form (spec.md §6) into
// internal/model types and validates a full route set before it is
// published as a Snapshot (spec.md §4.1).
package config
