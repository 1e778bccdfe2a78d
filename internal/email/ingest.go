package email

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // registers non UTF-8 charsets for body decoding
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/model"
)

var logger *zap.Logger

func init() {
	logger = logging.For("email")
}

// subjectTokenPattern finds "ACME: <token1>" in a Subject line. Folding whitespace inside the
// token is allowed and removed afterwards.
var subjectTokenPattern = regexp.MustCompile(`ACME:\s+([0-9A-Za-z_\s-]+=?)\s*$`)

// bodyTokenPattern finds a line of its own carrying the token in the message body.
var bodyTokenPattern = regexp.MustCompile(`(?m)^\s*ACME:\s*([0-9A-Za-z_-]+=?)\s*$`)

var whitespace = regexp.MustCompile(`\s+`)

// InboundMessage is the parsed, read-only view of one challenge message.
// Addresses are normalized with model.NormalizeAddress.
type InboundMessage struct {
	Sender    string // From
	Recipient string // To
	ReplyTo   string // Reply-To, empty if absent
	MessageID string // Message-Id verbatim including angle brackets, empty if absent
	Subject   string // decoded Subject of the envelope
	Body      string // decoded text/plain body (of the signed part for signed messages)

	Signed            bool
	SignerCertificate *x509.Certificate
	Protected         *ProtectedHeaders // nil unless the signed part carries header copies

	subjectToken string
	bodyToken    string
}

// ProtectedHeaders are header copies found inside the signed part of a message.
// An empty field was not protected.
type ProtectedHeaders struct {
	From    string
	To      string
	Subject string
}

// Token1 returns the token fragment found in the body, or the subject token when the body
// does not carry one.
func (m *InboundMessage) Token1() string {
	return m.bodyToken
}

// IsSigned reports whether raw is a multipart/signed message.
func IsSigned(raw []byte) (bool, error) {
	e, err := readEntity(raw)
	if err != nil {
		return false, err
	}
	mediaType, _, err := e.Header.ContentType()
	if err != nil {
		return false, nil
	}
	return mediaType == "multipart/signed", nil
}

// readEntity parses raw message bytes. Unknown charsets are tolerated.
func readEntity(raw []byte) (*message.Entity, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedInput)
	}
	e, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return e, nil
}

// parsePlain parses an unsigned challenge message.
func parsePlain(raw []byte) (*InboundMessage, error) {
	e, err := readEntity(raw)
	if err != nil {
		return nil, err
	}
	msg, err := readEnvelope(mail.Header{Header: e.Header})
	if err != nil {
		return nil, err
	}
	body, err := readText(e)
	if err != nil {
		return nil, err
	}
	msg.Body = body
	if err := msg.extractTokens(msg.Subject); err != nil {
		return nil, err
	}
	return msg, nil
}

// readEnvelope extracts the envelope fields. Exactly one From and one To address are
// required, Reply-To is optional but must not list more than one address.
func readEnvelope(h mail.Header) (*InboundMessage, error) {
	sender, err := singleAddress(h, "From", true)
	if err != nil {
		return nil, err
	}
	recipient, err := singleAddress(h, "To", true)
	if err != nil {
		return nil, err
	}
	replyTo, err := singleAddress(h, "Reply-To", false)
	if err != nil {
		return nil, err
	}
	subject, err := h.Subject()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode Subject: %v", ErrMalformedInput, err)
	}
	if strings.TrimSpace(subject) == "" {
		return nil, fmt.Errorf("%w: missing Subject header", ErrMalformedInput)
	}

	return &InboundMessage{
		Sender:    sender,
		Recipient: recipient,
		ReplyTo:   replyTo,
		MessageID: strings.TrimSpace(h.Get("Message-Id")),
		Subject:   subject,
	}, nil
}

func singleAddress(h mail.Header, key string, required bool) (string, error) {
	if !h.Has(key) {
		if required {
			return "", fmt.Errorf("%w: missing %s header", ErrMalformedInput, key)
		}
		return "", nil
	}
	list, err := h.AddressList(key)
	if err != nil {
		return "", fmt.Errorf("%w: cannot parse %s header: %v", ErrMalformedInput, key, err)
	}
	switch {
	case len(list) == 0 && !required:
		return "", nil
	case len(list) != 1:
		return "", fmt.Errorf("%w: expected exactly one %s address, found %d", ErrMalformedInput, key, len(list))
	}
	norm, err := model.NormalizeAddress(list[0].Address)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrMalformedInput, key, err)
	}
	return norm, nil
}

// readText returns the first text/plain body of e. Entities without a text part yield "".
func readText(e *message.Entity) (string, error) {
	mediaType, _, err := e.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType = "text/plain"
	}

	if mr := e.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				return "", nil
			}
			if err != nil && !message.IsUnknownCharset(err) {
				return "", fmt.Errorf("%w: cannot read multipart body: %v", ErrMalformedInput, err)
			}
			text, err := readText(part)
			if err != nil {
				return "", err
			}
			if text != "" {
				return text, nil
			}
		}
	}

	if mediaType != "text/plain" {
		return "", nil
	}
	body, err := io.ReadAll(e.Body)
	if err != nil {
		return "", fmt.Errorf("%w: cannot read body: %v", ErrMalformedInput, err)
	}
	return string(body), nil
}

// extractTokens finds token1 in subject and body. A subject without the token marker is
// malformed. The body token falls back to the subject token.
func (m *InboundMessage) extractTokens(subject string) error {
	match := subjectTokenPattern.FindStringSubmatch(subject)
	if match == nil {
		return fmt.Errorf("%w: subject does not carry an ACME token", ErrMalformedInput)
	}
	m.subjectToken = whitespace.ReplaceAllString(match[1], "")
	if m.subjectToken == "" {
		return fmt.Errorf("%w: subject carries an empty ACME token", ErrMalformedInput)
	}

	m.bodyToken = m.subjectToken
	if match := bodyTokenPattern.FindStringSubmatch(m.Body); match != nil {
		m.bodyToken = match[1]
	}
	return nil
}
