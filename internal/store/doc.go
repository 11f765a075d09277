// Package store defines the persistence contracts of the outreach pipeline.
// Implementations live under internal/storage; this package must not import
// database drivers or concrete clients.
package store
