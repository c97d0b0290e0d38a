// Package audit provides structured audit logging for operator overrides and
// integrity events in the archive.
package audit

import (
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for events that change or
// question the recorded state of archived files.
// All audit events are logged with an event_type field for easy filtering.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new audit logger from a zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "audit").Logger()}
}

// LogAdminUpdate logs an operator correction of admin data.
// replicaID and state are empty when only the checksum is changed, checksum
// is empty when only the state is changed.
func (l *Logger) LogAdminUpdate(filename, replicaID, state, checksum, result string) {
	level := zerolog.WarnLevel
	if result == "denied" {
		level = zerolog.ErrorLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "admin_update").
		Str("filename", filename).
		Str("result", result)

	if replicaID != "" {
		event = event.Str("replica", replicaID).Str("new_state", state)
	}
	if checksum != "" {
		event = event.Str("new_checksum", checksum)
	}

	event.Msg("Admin data override")
}

// LogRemoveAndGet logs a request to pull a bad copy off a replica.
// result: "requested", "denied", "completed" or "failed"
func (l *Logger) LogRemoveAndGet(filename, replicaID, checksum, result, details string) {
	level := zerolog.WarnLevel
	if result == "denied" || result == "failed" {
		level = zerolog.ErrorLevel
	}

	event := l.logger.WithLevel(level).
		Str("event_type", "remove_and_get").
		Str("filename", filename).
		Str("replica", replicaID).
		Str("checksum", checksum).
		Str("result", result)

	if details != "" {
		event = event.Str("details", details)
	}

	event.Msg("Remove and get file")
}

// LogVerificationMismatch logs a replica holding a copy with the wrong
// checksum. It is never retried and needs operator intervention.
func (l *Logger) LogVerificationMismatch(filename, replicaID, expected, reported string) {
	l.logger.Error().
		Str("event_type", "verification_mismatch").
		Str("filename", filename).
		Str("replica", replicaID).
		Str("expected", expected).
		Str("reported", reported).
		Msg("Checksum verification mismatch")
}

// LogChecksumConflict logs a store request whose checksum disagrees with the
// one already on record.
func (l *Logger) LogChecksumConflict(filename, recorded, requested string) {
	l.logger.Warn().
		Str("event_type", "checksum_conflict").
		Str("filename", filename).
		Str("recorded", recorded).
		Str("requested", requested).
		Msg("Store rejected, checksum differs from record")
}
