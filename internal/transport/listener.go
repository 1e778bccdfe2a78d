package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"go.uber.org/zap"
)

// Handler receives every message accepted by the Listener. Returning an *smtp.SMTPError
// controls the reply code; any other error is reported as a permanent failure.
type Handler func(ctx context.Context, from string, to []string, raw []byte) error

// ListenerConfig holds the inbound SMTP server settings.
type ListenerConfig struct {
	Addr            string
	Domain          string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
	HandlerTimeout  time.Duration // Zero means 30s
}

// Listener is an SMTP server receiving challenge emails.
type Listener struct {
	server *smtp.Server
}

type backend struct {
	handler Handler
	timeout time.Duration
}

type session struct {
	backend *backend
	remote  string
	from    string
	to      []string
}

// NewListener creates the SMTP server. It does not start listening.
func NewListener(cfg ListenerConfig, handler Handler) *Listener {
	be := &backend{handler: handler, timeout: cfg.HandlerTimeout}
	if be.timeout == 0 {
		be.timeout = 30 * time.Second
	}

	s := smtp.NewServer(be)
	s.Addr = cfg.Addr
	s.Domain = cfg.Domain
	s.ReadTimeout = cfg.ReadTimeout
	s.WriteTimeout = cfg.WriteTimeout
	s.MaxMessageBytes = cfg.MaxMessageBytes
	s.MaxRecipients = cfg.MaxRecipients
	return &Listener{server: s}
}

// ListenAndServe listens on the configured address. It returns nil after Close.
func (l *Listener) ListenAndServe() error {
	logger.Info("Starting SMTP listener", zap.String("address", l.server.Addr), zap.String("domain", l.server.Domain))
	return ignoreClosed(l.server.ListenAndServe())
}

// Serve accepts connections on ln. It returns nil after Close.
func (l *Listener) Serve(ln net.Listener) error {
	logger.Info("Starting SMTP listener", zap.String("address", ln.Addr().String()), zap.String("domain", l.server.Domain))
	return ignoreClosed(l.server.Serve(ln))
}

func (l *Listener) Close() error {
	logger.Info("Stopping SMTP listener")
	return l.server.Close()
}

func ignoreClosed(err error) error {
	if errors.Is(err, smtp.ErrServerClosed) {
		return nil
	}
	return err
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	remote := ""
	if conn := c.Conn(); conn != nil {
		remote = conn.RemoteAddr().String()
	}
	logger.Debug("New SMTP session", zap.String("remote", remote))
	return &session{backend: b, remote: remote}, nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		logger.Warn("Failed to read message data", zap.Error(err), zap.String("remote", s.remote))
		return err
	}
	l := logger.With(zap.String("remote", s.remote), zap.String("from", s.from), zap.Strings("to", s.to), zap.Int("bytes", len(raw)))
	l.Info("Message received")

	ctx, cancel := context.WithTimeout(context.Background(), s.backend.timeout)
	defer cancel()
	if err := s.backend.handler(ctx, s.from, s.to, raw); err != nil {
		var smtpErr *smtp.SMTPError
		if errors.As(err, &smtpErr) {
			l.Warn("Message rejected", zap.Error(err), zap.Int("code", smtpErr.Code))
			return smtpErr
		}
		l.Warn("Message rejected", zap.Error(err))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Challenge message rejected",
		}
	}
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
