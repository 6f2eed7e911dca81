package shard

import (
	"errors"
	"fmt"
)

// MalformedReason categorises why a shard was excluded.
type MalformedReason string

const (
	// ReasonBadName: the file has a shard extension but no owner/timestamp in its name.
	ReasonBadName MalformedReason = "UNRECOGNISED_NAME"

	// ReasonUndecodable: the payload could not be decoded.
	ReasonUndecodable MalformedReason = "UNDECODABLE"

	// ReasonNoTimestamp: no row carries a usable start timestamp.
	ReasonNoTimestamp MalformedReason = "NO_TIMESTAMP_COLUMN"

	// ReasonNoIdentity: no row carries a primary key.
	ReasonNoIdentity MalformedReason = "NO_IDENTITY_COLUMN"
)

// MalformedError reports a shard that lacks required columns or cannot be
// read. It is always recovered locally: the shard is excluded from the
// computation that needed the missing data and the error is logged as a
// warning.
type MalformedError struct {
	Path   string
	Reason MalformedReason
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed shard %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed shard %s: %s", e.Path, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return e.Err
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
