// Package storage persists notification and preference records.
//
// Two drivers implement Store:
//   - "mongo": the production document store (collections notifications, preferences)
//   - "sqlite": an embedded store for local runs and tests (":memory:" supported)
package storage
