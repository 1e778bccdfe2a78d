package email

import "errors"

// Failures surfaced while processing a challenge message. Callers match them with errors.Is;
// the wrapped message carries the detail.
var (
	// ErrMalformedInput means the message lacks required envelope fields or its
	// signature envelope cannot be parsed.
	ErrMalformedInput = errors.New("email: malformed challenge message")

	// ErrSignatureInvalid means cryptographic verification of the signed part failed.
	ErrSignatureInvalid = errors.New("email: the S/MIME signature is invalid")

	// ErrCertificateTrust means the signer certificate is not acceptable for the sender.
	ErrCertificateTrust = errors.New("email: signing certificate is not trusted")

	// ErrHeaderConsistency means a protected header copy differs from the envelope.
	ErrHeaderConsistency = errors.New("email: protected header does not match envelope header")

	// ErrExpectationMismatch means a caller supplied expectation does not match the message.
	ErrExpectationMismatch = errors.New("email: message does not match expectation")

	// ErrTokenMismatch means the token in the message does not belong to the challenge.
	ErrTokenMismatch = errors.New("email: token mismatch")

	// ErrChallengeNotAttached is returned by token, authorization and response accessors
	// that were called before WithChallenge succeeded.
	ErrChallengeNotAttached = errors.New("email: no challenge attached")

	// ErrChallengeAlreadyAttached is returned when WithChallenge is called a second time.
	ErrChallengeAlreadyAttached = errors.New("email: a challenge has already been attached")
)
