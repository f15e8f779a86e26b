// Package postgres persists document events in PostgreSQL with
// schema-per-tenant isolation, and carries pointer notifications over
// LISTEN/NOTIFY.
package postgres
