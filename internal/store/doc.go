// Package store provides the relational persistence layer for the reminder
// engine: medications, patients, and the per-day schedule entries
// (medication_history).
//
// The API is a filtered select/insert/update/delete surface over those three
// tables. Filters support column equality and <=/>= ranges, which is all the
// scheduling core needs: day windows on scheduled_minutes and conditional
// status predicates.
package store
