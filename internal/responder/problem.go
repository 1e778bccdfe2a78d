package responder

import (
	"errors"
	"net/http"

	"github.com/blockadesystems/acmemail/internal/acme"
	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/model"
)

// Problem maps a Process error to an ACME problem document.
func Problem(err error) *model.ProblemDetails {
	p := &model.ProblemDetails{Detail: err.Error()}
	switch {
	case errors.Is(err, email.ErrMalformedInput),
		errors.Is(err, acme.ErrInvalidToken),
		errors.Is(err, ErrUnsignedMessage):
		p.Type, p.Status = model.ProblemMalformed, http.StatusBadRequest
	case errors.Is(err, email.ErrSignatureInvalid),
		errors.Is(err, email.ErrCertificateTrust),
		errors.Is(err, email.ErrHeaderConsistency),
		errors.Is(err, email.ErrExpectationMismatch):
		p.Type, p.Status = model.ProblemUnauthorized, http.StatusForbidden
	case errors.Is(err, email.ErrTokenMismatch):
		p.Type, p.Status = model.ProblemIncorrectResponse, http.StatusForbidden
	case errors.Is(err, ErrNoPendingChallenge):
		p.Type, p.Status = model.ProblemMalformed, http.StatusNotFound
	case errors.Is(err, ErrAlreadyProcessed):
		p.Type, p.Status = model.ProblemMalformed, http.StatusConflict
	case errors.Is(err, ErrDelivery):
		p.Type, p.Status = model.ProblemServerInternal, http.StatusBadGateway
	default:
		p.Type, p.Status = model.ProblemServerInternal, http.StatusInternalServerError
	}
	return p
}

// Temporary reports whether retrying the same message may succeed.
func Temporary(err error) bool {
	return Problem(err).Status >= http.StatusInternalServerError
}
