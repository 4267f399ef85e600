package ota

import (
	"errors"
	"fmt"
)

// Reason classifies a failed update. The strings are operator facing and
// logged verbatim.
type Reason string

const (
	ReasonInsufficientSpace   Reason = "insufficient space"
	ReasonNoSize              Reason = "server did not report size"
	ReasonSizeMismatch        Reason = "size mismatch"
	ReasonNotFound            Reason = "not found (404)"
	ReasonForbidden           Reason = "forbidden (403)"
	ReasonWrongHTTPCode       Reason = "wrong http code"
	ReasonChecksumMismatch    Reason = "checksum mismatch"
	ReasonBadHeader           Reason = "bad image header"
	ReasonWrongTarget         Reason = "wrong hardware target"
	ReasonNoPartition         Reason = "no partition"
	ReasonFlashWrite          Reason = "flash write failed"
	ReasonTransferInterrupted Reason = "transfer interrupted"
	ReasonManifest            Reason = "manifest check failed"
)

var (
	// ErrNoPartition is returned by a Flash without a usable inactive slot.
	ErrNoPartition = errors.New("no inactive partition available")
	// ErrBadHeader is returned by a HeaderVerifier for an unrecognised image.
	ErrBadHeader = errors.New("unrecognised image header")
	// ErrWrongTarget is returned by a HeaderVerifier for an image built for
	// another machine.
	ErrWrongTarget = errors.New("image built for another target")
)

// TransferError is a classified update failure.
type TransferError struct {
	Reason Reason
	Err    error
}

func (e *TransferError) Error() string {
	if e.Err == nil {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %v", e.Reason, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

func fail(reason Reason, err error) *TransferError {
	return &TransferError{Reason: reason, Err: err}
}
