// Package log wraps zerolog with hydra's conventions: JSON output in
// production, a human-readable console writer in development, and child
// loggers scoped to a component, username or migration ID.
package log
