// Package schedule turns medication plans into per-day schedule entries and
// keeps that table healthy: idempotent generation, duplicate reconciliation,
// and derived-field repair.
package schedule
