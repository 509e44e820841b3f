package service

import (
	"errors"
	"unicode/utf8"
)

var (
	// ErrNoWork is returned by ClaimNext when no item is claimable for the service.
	ErrNoWork = errors.New("no work available")

	// ErrWorkItemNotFound is returned when a work item id does not exist.
	ErrWorkItemNotFound = errors.New("work item not found")

	// ErrJobNotFound is returned when a job id does not exist.
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidTransition is returned for a status change the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidJobRequest is returned when a submitted job cannot be planned.
	ErrInvalidJobRequest = errors.New("invalid job request")
)

// maxErrorMessageLength bounds messages stored on items and job errors.
const maxErrorMessageLength = 4096

func truncateMessage(msg string) string {
	if len(msg) <= maxErrorMessageLength {
		return msg
	}
	cut := maxErrorMessageLength
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
