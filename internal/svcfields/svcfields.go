// Package svcfields holds the log fields shared by every component.
package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

const (
	// SubsystemKey is the canonical key for subsystem tags.
	SubsystemKey = pslog.TrustedString("sys")
	// InstanceKey tags entries about one consensus instance.
	InstanceKey = "instance_id"
	// SequenceKey tags entries about one action log row.
	SequenceKey = "sequence"
	// ParticipantKey names the peer an action is addressed to.
	ParticipantKey = "participant"
)

// EnsureLogger returns l when non-nil, otherwise a disabled logger.
func EnsureLogger(l pslog.Logger) pslog.Logger {
	if l != nil {
		return l
	}
	return pslog.NoopLogger()
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = EnsureLogger(logger)
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// WithInstance tags every entry with instanceID. Empty ids are ignored.
func WithInstance(logger pslog.Logger, instanceID string) pslog.Logger {
	logger = EnsureLogger(logger)
	if instanceID == "" {
		return logger
	}
	return logger.With(InstanceKey, instanceID)
}

// WithAction tags every entry with the instance, sequence and addressee of
// one action log row.
func WithAction(logger pslog.Logger, instanceID string, sequence uint64, participant string) pslog.Logger {
	logger = WithInstance(logger, instanceID).With(SequenceKey, sequence)
	if participant != "" {
		logger = logger.With(ParticipantKey, participant)
	}
	return logger
}
