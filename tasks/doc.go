// Package tasks runs named recurring background work with a deterministic
// start/stop lifecycle. Faults raised by a task body are logged by the runner
// and the schedule carries on.
package tasks
