package email

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// checkProtectedHeaders compares the protected header copies with the envelope, in the
// order From, To, Subject. From and To must always match. A differing Subject only fails
// in strict mode since list software tends to rewrite it.
func checkProtectedHeaders(msg *InboundMessage, strict bool) error {
	p := msg.Protected
	if p == nil {
		return nil
	}

	if p.From != "" && !strings.EqualFold(p.From, msg.Sender) {
		return headerMismatch("From", p.From, msg.Sender)
	}
	if p.To != "" && !strings.EqualFold(p.To, msg.Recipient) {
		return headerMismatch("To", p.To, msg.Recipient)
	}
	if p.Subject != "" && p.Subject != msg.Subject {
		if strict {
			return headerMismatch("Subject", p.Subject, msg.Subject)
		}
		logger.Debug("tolerating rewritten Subject header",
			zap.String("protected", p.Subject), zap.String("envelope", msg.Subject))
	}
	return nil
}

func headerMismatch(name, protected, envelope string) error {
	logger.Warn("protected header mismatch",
		zap.String("header", name), zap.String("protected", protected), zap.String("envelope", envelope))
	return fmt.Errorf("%w: protected '%s' header does not match envelope header", ErrHeaderConsistency, name)
}
