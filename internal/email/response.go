package email

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
)

const (
	replySubjectPrefix = "Re: ACME: "
	defaultContentType = "text/plain"
)

// Generator replaces the canonical reply body. It receives the draft reply and the
// canonical body and sets draft.Body, and optionally draft.ContentType.
type Generator func(draft *Reply, defaultBody string) error

// Reply is the outbound answer to a challenge message.
type Reply struct {
	From        string
	To          string
	Subject     string
	MessageID   string
	InReplyTo   string // empty when the challenge had no Message-Id
	Date        time.Time
	ContentType string
	Body        string
}

// CanonicalBody renders the response block the CA looks for.
func CanonicalBody(authorization string) string {
	return "-----BEGIN ACME RESPONSE-----\r\n" +
		authorization + "\r\n" +
		"-----END ACME RESPONSE-----\r\n"
}

// ResponseBuilder assembles the reply for a message with an attached challenge.
type ResponseBuilder struct {
	msg           *InboundMessage
	token1        string
	authorization string

	header    string
	footer    string
	generator Generator
}

// WithHeader sets text placed before the body, followed by CRLF.
func (b *ResponseBuilder) WithHeader(text string) *ResponseBuilder {
	b.header = text
	return b
}

// WithFooter sets text appended after the body.
func (b *ResponseBuilder) WithFooter(text string) *ResponseBuilder {
	b.footer = text
	return b
}

// WithGenerator replaces the canonical body with the output of fn. Header and footer are
// still wrapped around it.
func (b *ResponseBuilder) WithGenerator(fn Generator) *ResponseBuilder {
	b.generator = fn
	return b
}

// GenerateResponse builds the reply. From is the challenge recipient, To is the Reply-To
// address of the challenge or its sender.
func (b *ResponseBuilder) GenerateResponse() (*Reply, error) {
	to := b.msg.Sender
	if b.msg.ReplyTo != "" {
		to = b.msg.ReplyTo
	}

	draft := &Reply{ContentType: defaultContentType, Date: time.Now()}
	b.address(draft, to)

	defaultBody := CanonicalBody(b.authorization)
	if b.generator != nil {
		if err := b.generator(draft, defaultBody); err != nil {
			return nil, fmt.Errorf("email: response generator failed: %w", err)
		}
		// the envelope is not the generator's to change
		b.address(draft, to)
		if draft.ContentType == "" {
			draft.ContentType = defaultContentType
		}
	} else {
		draft.Body = defaultBody
	}

	var body strings.Builder
	if b.header != "" {
		body.WriteString(b.header)
		body.WriteString("\r\n")
	}
	body.WriteString(draft.Body)
	body.WriteString(b.footer)
	draft.Body = body.String()

	return draft, nil
}

func (b *ResponseBuilder) address(r *Reply, to string) {
	r.From = b.msg.Recipient
	r.To = to
	r.Subject = replySubjectPrefix + b.token1
	r.InReplyTo = b.msg.MessageID
	if r.MessageID == "" {
		r.MessageID = newMessageID(b.msg.Recipient)
	}
}

// newMessageID creates a Message-Id in the domain of address.
func newMessageID(address string) string {
	domain := "localhost"
	if at := strings.LastIndexByte(address, '@'); at >= 0 {
		domain = address[at+1:]
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// EnvelopeFrom is the SMTP reverse path for the reply.
func (r *Reply) EnvelopeFrom() string {
	return r.From
}

// EnvelopeTo lists the SMTP recipients of the reply.
func (r *Reply) EnvelopeTo() []string {
	return []string{r.To}
}

// Bytes serializes the reply as an RFC 5322 message.
func (r *Reply) Bytes() ([]byte, error) {
	var h mail.Header
	h.SetDate(r.Date)
	h.SetAddressList("From", []*mail.Address{{Address: r.From}})
	h.SetAddressList("To", []*mail.Address{{Address: r.To}})
	h.SetSubject(r.Subject)
	h.Set("Message-Id", r.MessageID)
	if r.InReplyTo != "" {
		h.Set("In-Reply-To", r.InReplyTo)
		h.Set("References", r.InReplyTo)
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("MIME-Version", "1.0")
	h.Set("Content-Type", r.ContentType)
	if mediaType, params, err := h.ContentType(); err == nil && strings.HasPrefix(mediaType, "text/") && params["charset"] == "" {
		params["charset"] = "utf-8"
		h.SetContentType(mediaType, params)
	}
	if isASCII(r.Body) {
		h.Set("Content-Transfer-Encoding", "7bit")
	} else {
		h.Set("Content-Transfer-Encoding", "quoted-printable")
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("email: failed to write reply header: %w", err)
	}
	if _, err := w.Write([]byte(r.Body)); err != nil {
		return nil, fmt.Errorf("email: failed to write reply body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("email: failed to finish reply: %w", err)
	}
	return buf.Bytes(), nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
