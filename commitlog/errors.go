package commitlog

import (
	"errors"
	"fmt"
)

// ErrBadMagic is returned when a log file does not start with the expected
// magic bytes.
var ErrBadMagic = errors.New("bad commit log magic")

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("commit log closed")

// UnsupportedVersionError is returned when a log file was written by a newer
// format version.
type UnsupportedVersionError struct {
	major, minor uint8
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported commit log version: %d.%d (current: %d.%d)",
		e.major, e.minor, currentMajor, currentMinor)
}

func (e UnsupportedVersionError) Is(target error) bool {
	_, ok := target.(UnsupportedVersionError)
	return ok
}

// CRCMismatchError is returned when the CRC of a record does not match the
// computed CRC.
type CRCMismatchError struct {
	expected, actual uint32
}

func (e CRCMismatchError) Error() string {
	return fmt.Sprintf("expected CRC %d, got %d", e.expected, e.actual)
}

func (e CRCMismatchError) Is(target error) bool {
	_, ok := target.(CRCMismatchError)
	return ok
}
