package access

import "errors"

var (
	// ErrInvalidPIN indicates a PIN that is not 4 to 8 decimal digits.
	ErrInvalidPIN = errors.New("access: pin must be 4-8 digits")
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("access: user id must not be empty")
	// ErrEnrollment indicates the card refused an enrollment step.
	ErrEnrollment = errors.New("access: enrollment failed")
	// ErrDeviceRead indicates the user identity could not be read from the card.
	ErrDeviceRead = errors.New("access: card read failed")
	// ErrBlocked indicates the card's PIN is blocked.
	ErrBlocked = errors.New("access: card blocked")
	// ErrMaxAttempts indicates the attempt budget ran out without a correct PIN.
	ErrMaxAttempts = errors.New("access: maximum pin attempts reached")
	// ErrVerification indicates the card answered PIN verification with an
	// unexpected status.
	ErrVerification = errors.New("access: pin verification error")
	// ErrKeyRetrieval indicates the card did not release its secret.
	ErrKeyRetrieval = errors.New("access: secret retrieval failed")
	// ErrChallengeFailed indicates the released secret was rejected.
	ErrChallengeFailed = errors.New("access: secret rejected")
)
