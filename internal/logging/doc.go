// Package logging builds the root slog.Logger for the council binaries.
package logging
