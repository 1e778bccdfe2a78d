package transport

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/logging"
)

var logger *zap.Logger

func init() {
	logger = logging.For("transport")
}

// Sender delivers generated replies.
type Sender interface {
	Send(ctx context.Context, reply *email.Reply) error
}

// SMTPSender relays replies through an SMTP submission server.
type SMTPSender struct {
	addr        string
	username    string
	password    string
	implicitTLS bool
}

var _ Sender = (*SMTPSender)(nil)

// NewSMTPSender creates a relay sender. PLAIN authentication is used when username is set.
// With implicitTLS the connection is TLS from the start, otherwise STARTTLS is used when
// the relay offers it.
func NewSMTPSender(addr, username, password string, implicitTLS bool) *SMTPSender {
	return &SMTPSender{addr: addr, username: username, password: password, implicitTLS: implicitTLS}
}

func (s *SMTPSender) Send(ctx context.Context, reply *email.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := reply.Bytes()
	if err != nil {
		return fmt.Errorf("transport: failed to serialize reply: %w", err)
	}

	var auth sasl.Client
	if s.username != "" {
		auth = sasl.NewPlainClient("", s.username, s.password)
	}
	sendMail := smtp.SendMail
	if s.implicitTLS {
		sendMail = smtp.SendMailTLS
	}

	if err := sendMail(s.addr, auth, reply.EnvelopeFrom(), reply.EnvelopeTo(), bytes.NewReader(raw)); err != nil {
		logger.Error("Failed to relay reply", zap.Error(err), zap.String("relay", s.addr), zap.String("messageID", reply.MessageID))
		return fmt.Errorf("transport: failed to relay reply via %s: %w", s.addr, err)
	}
	logger.Info("Reply relayed", zap.String("relay", s.addr), zap.String("messageID", reply.MessageID), zap.Strings("to", reply.EnvelopeTo()))
	return nil
}

// Recorder keeps replies in memory instead of sending them.
type Recorder struct {
	mu      sync.Mutex
	replies []*email.Reply
}

var _ Sender = (*Recorder)(nil)

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Send(ctx context.Context, reply *email.Reply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, reply)
	logger.Info("Reply recorded", zap.String("messageID", reply.MessageID), zap.Strings("to", reply.EnvelopeTo()))
	return nil
}

// Replies returns the recorded replies in send order.
func (r *Recorder) Replies() []*email.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*email.Reply(nil), r.replies...)
}

// Last returns the most recent reply, or nil.
func (r *Recorder) Last() *email.Reply {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		return nil
	}
	return r.replies[len(r.replies)-1]
}
