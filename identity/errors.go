package identity

import "errors"

var (
	// ErrSignature is returned when the credential signature does not verify
	// against the configured public key or uses a disallowed algorithm.
	ErrSignature = errors.New("identity credential signature invalid")
	// ErrIssuerMismatch is returned when the iss claim differs from the
	// configured identity issuer.
	ErrIssuerMismatch = errors.New("identity credential issuer mismatch")
	// ErrInsufficientAssurance is returned when the vot claim does not meet
	// the configured level.
	ErrInsufficientAssurance = errors.New("identity credential assurance insufficient")
	// ErrAudienceMismatch is returned when the aud claim does not name this
	// relying party.
	ErrAudienceMismatch = errors.New("identity credential audience mismatch")
	// ErrSubjectMismatch is returned when the credential was issued for a
	// different subject than the user-info response.
	ErrSubjectMismatch = errors.New("identity credential subject mismatch")
	// ErrValidity is returned when the credential is expired, not yet valid or
	// issued in the future.
	ErrValidity = errors.New("identity credential outside validity window")
	// ErrMalformed is returned when the credential cannot be decoded or lacks
	// a required claim.
	ErrMalformed = errors.New("identity credential malformed")
)

// IsVerificationError reports whether err came from rejecting a credential.
func IsVerificationError(err error) bool {
	for _, target := range []error{
		ErrSignature, ErrIssuerMismatch, ErrInsufficientAssurance,
		ErrAudienceMismatch, ErrSubjectMismatch, ErrValidity, ErrMalformed,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
