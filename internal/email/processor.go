package email

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/model"
)

// Challenge is the email-reply-00 challenge a message is answered for. It knows both token
// halves and derives the authorization from the account key.
type Challenge interface {
	// Token1 is the token fragment the CA sends in the challenge email.
	Token1() string
	// Token2 is the token fragment from the ACME challenge object.
	Token2() string
	// Token is the full challenge token built from both fragments.
	Token() string
	// ExpectedSender is the address the challenge email must come from, or "".
	ExpectedSender() string
	// Authorization is the value returned to the CA in the reply body.
	Authorization() string
}

type expectation string

const (
	expectFrom       expectation = "from"
	expectTo         expectation = "to"
	expectIdentifier expectation = "identifier"
)

// Processor validates one inbound challenge message and builds the reply.
// A Processor is not safe for concurrent use.
type Processor struct {
	msg     *InboundMessage
	strict  bool
	checked map[expectation]string
	binding *binding
}

// binding pairs the token found in the message with the attached challenge.
type binding struct {
	token1    string
	challenge Challenge
}

// PlainMessage parses an unsigned challenge message.
func PlainMessage(raw []byte) (*Processor, error) {
	msg, err := parsePlain(raw)
	if err != nil {
		return nil, err
	}
	return newProcessor(msg, false), nil
}

// SignedMessage parses an S/MIME signed challenge message, verifies the signature and the
// signer certificate against anchors, and checks the protected headers. With strict set a
// rewritten Subject is rejected. Without anchors every signer is rejected.
func SignedMessage(raw []byte, anchors []*x509.Certificate, strict bool) (*Processor, error) {
	msg, err := parseSigned(raw, anchors, strict)
	if err != nil {
		return nil, err
	}
	return newProcessor(msg, strict), nil
}

func newProcessor(msg *InboundMessage, strict bool) *Processor {
	logger.Debug("parsed challenge message",
		zap.String("from", msg.Sender), zap.String("to", msg.Recipient),
		zap.String("message_id", msg.MessageID), zap.Bool("signed", msg.Signed))
	return &Processor{msg: msg, strict: strict, checked: make(map[expectation]string)}
}

// ExpectedFrom fails unless the message was sent by address.
func (p *Processor) ExpectedFrom(address string) error {
	return p.expect(expectFrom, "sender", address, p.msg.Sender)
}

// ExpectedTo fails unless the message was sent to address.
func (p *Processor) ExpectedTo(address string) error {
	return p.expect(expectTo, "recipient", address, p.msg.Recipient)
}

// ExpectedIdentifier fails unless id is an email identifier for the recipient. Other
// identifier types can never be validated by email.
func (p *Processor) ExpectedIdentifier(id model.Identifier) error {
	if id.Type != model.IdentifierEmail {
		return fmt.Errorf("%w: message can only validate email identifiers, got %s", ErrExpectationMismatch, id)
	}
	return p.expect(expectIdentifier, "identifier", id.Value, p.msg.Recipient)
}

func (p *Processor) expect(kind expectation, name, want, got string) error {
	norm, err := model.NormalizeAddress(want)
	if err != nil {
		return fmt.Errorf("%w: expected %s: %v", ErrExpectationMismatch, name, err)
	}
	if !strings.EqualFold(norm, got) {
		return fmt.Errorf("%w: message %s is '%s', but '%s' was expected", ErrExpectationMismatch, name, got, norm)
	}
	p.checked[kind] = norm
	return nil
}

// Checked returns the expectations the message has met so far, keyed by "from", "to" and
// "identifier", with the normalized address each was checked against.
func (p *Processor) Checked() map[string]string {
	out := make(map[string]string, len(p.checked))
	for kind, addr := range p.checked {
		out[string(kind)] = addr
	}
	return out
}

// Message returns a copy of the parsed message.
func (p *Processor) Message() InboundMessage {
	return *p.msg
}

// Sender returns the normalized From address.
func (p *Processor) Sender() string {
	return p.msg.Sender
}

// Recipient returns the normalized To address.
func (p *Processor) Recipient() string {
	return p.msg.Recipient
}

// MessageID returns the Message-Id header including angle brackets.
func (p *Processor) MessageID() (string, bool) {
	return p.msg.MessageID, p.msg.MessageID != ""
}

// ReplyTo returns the normalized Reply-To address.
func (p *Processor) ReplyTo() (string, bool) {
	return p.msg.ReplyTo, p.msg.ReplyTo != ""
}

// Subject returns the envelope Subject.
func (p *Processor) Subject() string {
	return p.msg.Subject
}

// Token1 returns the token fragment carried by the message.
func (p *Processor) Token1() string {
	return p.msg.Token1()
}

// Strict reports whether a rewritten Subject was rejected.
func (p *Processor) Strict() bool {
	return p.strict
}

// WithChallenge attaches the challenge the message is answered for. The token in the body
// must match the one in the subject and the challenge's own token1. A challenge naming a
// sender also requires that sender. On failure nothing is attached.
func (p *Processor) WithChallenge(c Challenge) (*Processor, error) {
	if p.binding != nil {
		return nil, ErrChallengeAlreadyAttached
	}
	if c == nil {
		return nil, errors.New("email: challenge must not be nil")
	}

	token1 := p.msg.bodyToken
	if token1 != p.msg.subjectToken {
		return nil, fmt.Errorf("%w: token in body does not match token in subject", ErrTokenMismatch)
	}
	if c.Token1() != token1 {
		logger.Warn("challenge token does not match message", zap.String("message_id", p.msg.MessageID))
		return nil, fmt.Errorf("%w: message token does not belong to the challenge", ErrTokenMismatch)
	}
	if sender := c.ExpectedSender(); sender != "" {
		if err := p.ExpectedFrom(sender); err != nil {
			return nil, err
		}
	}

	p.binding = &binding{token1: token1, challenge: c}
	return p, nil
}

// Token returns the full challenge token.
func (p *Processor) Token() (string, error) {
	if p.binding == nil {
		return "", ErrChallengeNotAttached
	}
	return p.binding.challenge.Token(), nil
}

// Authorization returns the value proving control of the recipient address.
func (p *Processor) Authorization() (string, error) {
	if p.binding == nil {
		return "", ErrChallengeNotAttached
	}
	return p.binding.challenge.Authorization(), nil
}

// Respond returns a builder for the reply to the CA.
func (p *Processor) Respond() (*ResponseBuilder, error) {
	if p.binding == nil {
		return nil, ErrChallengeNotAttached
	}
	return &ResponseBuilder{msg: p.msg, token1: p.binding.token1, authorization: p.binding.challenge.Authorization()}, nil
}
