// Package logging provides structured logging for RadioWatch Core.
//
// It is a thin layer over log/slog adding the service fields, a
// runtime-adjustable level shared by all derived loggers, and child
// helpers scoped to the tracker's domain: Component for subsystems,
// Device and Phy for per-entity log context.
package logging
