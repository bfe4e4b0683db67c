// Package alert is the hot path of the reminder engine: the per-tick poller
// that dispatches due reminders, and the finalizer that consumes patient
// acknowledgments.
package alert
