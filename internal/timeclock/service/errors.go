package service

import (
	"errors"
	"time"
)

var (
	ErrInvalidDeviceID  = errors.New("device_id is required")
	ErrInvalidPublicKey = errors.New("public_key must be a base64 ed25519 key")
	ErrDeviceNotFound   = errors.New("device not found")

	ErrInvalidCardUID        = errors.New("card_uid is required and must not contain whitespace")
	ErrInvalidEmployeeID     = errors.New("employee_id is required")
	ErrInvalidCardType       = errors.New("card_type must be standard, temporary, contractor or visitor")
	ErrInvalidFee            = errors.New("replacement_fee must not be negative")
	ErrDuplicateCardUID      = errors.New("card_uid has already been issued")
	ErrEmployeeAlreadyBadged = errors.New("employee already has an active badge; use replace")
	ErrAlreadyInactive       = errors.New("badge is not active")
	ErrBadgeNotFound         = errors.New("badge not found")
	ErrBadgeEmployeeMismatch = errors.New("badge belongs to a different employee")
	ErrBadgeExpired          = errors.New("badge has expired")
	ErrNotReactivatable      = errors.New("only deactivated badges can be reactivated")
	ErrNoActiveBadge         = errors.New("no active badge")

	ErrNoOpenViolation   = errors.New("no open chain violation")
	ErrViolationMismatch = errors.New("sequence_id does not match the open chain violation")
	ErrInvalidResolution = errors.New("resolution must be retry or reanchor")
)

// Clock returns the current time.  Services default to UTC wall time.
type Clock func() time.Time

func systemClock() time.Time { return time.Now().UTC() }
