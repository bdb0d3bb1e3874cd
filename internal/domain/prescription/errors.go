package prescription

import "errors"

var (
	ErrPrescriptionNotFound = errors.New("prescription not found")
	ErrAlreadySigned        = errors.New("prescription is already signed")
	ErrNotSigned            = errors.New("prescription must be signed before anchoring")
	ErrNotIssued            = errors.New("only issued prescriptions can be dispensed")
	ErrNotAnchored          = errors.New("prescription has no anchor")
	ErrDraftToken           = errors.New("prescription is not issued")
)
