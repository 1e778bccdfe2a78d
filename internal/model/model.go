package model

import (
	"encoding/json" // ProblemDetails keeps subproblems as raw JSON
	"time"
)

// Challenge record statuses.
const (
	StatusPending   = "pending"
	StatusResponded = "responded"
	StatusInvalid   = "invalid"
)

// ACME error types used in ProblemDetails.
const (
	ProblemMalformed         = "urn:ietf:params:acme:error:malformed"
	ProblemUnauthorized      = "urn:ietf:params:acme:error:unauthorized"
	ProblemIncorrectResponse = "urn:ietf:params:acme:error:incorrectResponse"
	ProblemServerInternal    = "urn:ietf:params:acme:error:serverInternal"
)

// EmailChallenge is a pending email-reply-00 challenge registered by the ACME client side.
// It carries everything needed to answer the CA's challenge email except token1,
// which only arrives with the message itself (unless pinned in advance).
type EmailChallenge struct {
	ID             string          `json:"id" db:"id"`                                    // Unique record identifier (UUID)
	Identifier     Identifier      `json:"identifier" db:"-"`                             // The email identifier being validated
	Token1         string          `json:"token1,omitempty" db:"token1"`                  // Optional pinned first token half
	Token2         string          `json:"token2" db:"token2"`                            // Second token half from the ACME challenge object
	ExpectedSender string          `json:"expectedSender,omitempty" db:"expected_sender"` // CA address the challenge email must come from
	AccountKeyJWK  string          `json:"accountKey" db:"account_key_jwk"`               // ACME account public key as JWK JSON
	Status         string          `json:"status" db:"status"`                            // "pending", "responded", "invalid"
	Error          *ProblemDetails `json:"error,omitempty" db:"-"`                        // Why processing failed, if it did
	RespondedAt    time.Time       `json:"respondedAt,omitempty" db:"responded_at"`       // When the reply was handed to the transport
	CreatedAt      time.Time       `json:"-" db:"created_at"`                             // Timestamp of creation (internal)
	LastModifiedAt time.Time       `json:"-" db:"last_modified_at"`                       // Timestamp of last modification (internal)

	// Storage helper - denormalized Identifier JSON for easier DB storage
	IdentifierJSON string `json:"-" db:"identifier_json"`
	// Storage helper - denormalized Error JSON for easier DB storage
	ErrorJSON string `json:"-" db:"error_json,omitempty"`
}

// ProcessedMessage records an inbound challenge message that has been answered (storage model).
type ProcessedMessage struct {
	MessageID   string    `db:"message_id"`   // Message-Id header of the challenge email (Primary Key)
	ChallengeID string    `db:"challenge_id"` // Record that was answered
	ProcessedAt time.Time `db:"processed_at"` // When the reply was sent
}

// ProblemDetails represents an ACME error object (RFC 7807 / RFC 8555 Section 6.7).
type ProblemDetails struct {
	Type        string          `json:"type"`                  // URL identifying the specific error type (e.g., "urn:ietf:params:acme:error:...")
	Detail      string          `json:"detail"`                // Human-readable explanation
	Status      int             `json:"status,omitempty"`      // HTTP status code associated with this error
	Instance    string          `json:"instance,omitempty"`    // URL identifying the specific occurrence of the problem (optional)
	Subproblems json.RawMessage `json:"subproblems,omitempty"` // For compound errors (structured JSON)
}

func (p *ProblemDetails) Error() string {
	return p.Type + ": " + p.Detail
}
