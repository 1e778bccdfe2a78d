package responder

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/acme"
	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/transport"
)

var logger *zap.Logger

func init() {
	logger = logging.For("responder")
}

var (
	ErrUnsignedMessage    = errors.New("responder: challenge message is not S/MIME signed")
	ErrNoPendingChallenge = errors.New("responder: no pending challenge for recipient")
	ErrAlreadyProcessed   = errors.New("responder: challenge message was already answered")
	ErrDelivery           = errors.New("responder: failed to deliver reply")
)

// Options control how inbound messages are validated and answered.
type Options struct {
	TrustAnchors     []*x509.Certificate // Empty accepts any signer whose certificate names the sender
	RequireSignature bool
	StrictHeaders    bool
	ResponseHeader   string
	ResponseFooter   string
}

// Result describes an answered challenge message.
type Result struct {
	ChallengeID string `json:"challengeId"`
	MessageID   string `json:"messageId"` // Message-Id of the reply
	InReplyTo   string `json:"inReplyTo,omitempty"`
	ReplyTo     string `json:"replyTo"`
	Subject     string `json:"subject"`
	Signed      bool   `json:"signed"`
}

// Service answers challenge emails for the challenges registered in the store.
type Service struct {
	store  storage.Storage
	sender transport.Sender
	opts   Options
}

func NewService(store storage.Storage, sender transport.Sender, opts Options) *Service {
	return &Service{store: store, sender: sender, opts: opts}
}

// Process validates one raw challenge email, replies to it and marks its challenge record
// responded. Validation failures of a signed message mark the pending record invalid.
// Failures of unsigned messages leave it pending.
func (s *Service) Process(ctx context.Context, raw []byte) (*Result, error) {
	signed, err := email.IsSigned(raw)
	if err != nil {
		return nil, err
	}
	if !signed && s.opts.RequireSignature {
		return nil, ErrUnsignedMessage
	}

	var p *email.Processor
	if signed {
		p, err = email.SignedMessage(raw, s.opts.TrustAnchors, s.opts.StrictHeaders)
	} else {
		p, err = email.PlainMessage(raw)
	}
	if err != nil {
		return nil, err
	}

	l := logger.With(zap.String("recipient", p.Recipient()), zap.String("sender", p.Sender()), zap.Bool("signed", signed))

	rec, err := s.store.GetPendingChallengeByRecipient(ctx, p.Recipient())
	if err != nil {
		return nil, err
	}
	if rec == nil {
		l.Warn("No pending challenge for challenge message")
		return nil, fmt.Errorf("%w '%s'", ErrNoPendingChallenge, p.Recipient())
	}
	l = l.With(zap.String("challengeID", rec.ID))

	reply, err := s.bind(p, rec)
	if err != nil {
		l.Warn("Challenge message failed validation", zap.Error(err))
		// Unsigned mail can be sent by anyone, so only a trusted signer may end the challenge.
		if signed {
			s.markInvalid(ctx, rec, err)
		}
		return nil, err
	}

	guard := &model.ProcessedMessage{MessageID: messageKey(p, raw), ChallengeID: rec.ID}
	err = s.store.WithinTransaction(ctx, func(ctx context.Context, tx storage.Storage) error {
		first, err := tx.MarkMessageProcessed(ctx, guard)
		if err != nil {
			return err
		}
		if !first {
			return ErrAlreadyProcessed
		}
		if err := s.sender.Send(ctx, reply); err != nil {
			return fmt.Errorf("%w: %w", ErrDelivery, err)
		}
		rec.Status = model.StatusResponded
		rec.RespondedAt = time.Now()
		rec.Error = nil
		return tx.SaveChallenge(ctx, rec)
	})
	if err != nil {
		l.Error("Failed to answer challenge message", zap.Error(err))
		return nil, err
	}

	l.Info("Challenge message answered",
		zap.String("replyMessageID", reply.MessageID),
		zap.String("replyTo", reply.To),
		zap.Any("checked", p.Checked()))
	return &Result{
		ChallengeID: rec.ID,
		MessageID:   reply.MessageID,
		InReplyTo:   reply.InReplyTo,
		ReplyTo:     reply.To,
		Subject:     reply.Subject,
		Signed:      signed,
	}, nil
}

// bind checks the message against the record and generates the reply.
func (s *Service) bind(p *email.Processor, rec *model.EmailChallenge) (*email.Reply, error) {
	if err := p.ExpectedIdentifier(rec.Identifier); err != nil {
		return nil, err
	}

	token1 := p.Token1()
	if rec.Token1 != "" {
		token1 = rec.Token1
	}
	chal, err := acme.FromRecord(rec, token1)
	if err != nil {
		return nil, err
	}
	if _, err := p.WithChallenge(chal); err != nil {
		return nil, err
	}

	b, err := p.Respond()
	if err != nil {
		return nil, err
	}
	return b.WithHeader(s.opts.ResponseHeader).WithFooter(s.opts.ResponseFooter).GenerateResponse()
}

func (s *Service) markInvalid(ctx context.Context, rec *model.EmailChallenge, cause error) {
	rec.Status = model.StatusInvalid
	rec.Error = Problem(cause)
	if err := s.store.SaveChallenge(ctx, rec); err != nil {
		logger.Error("Failed to mark challenge invalid", zap.Error(err), zap.String("challengeID", rec.ID))
	}
}

// messageKey identifies a message for the replay guard. Messages without Message-Id are
// keyed by a digest of their content.
func messageKey(p *email.Processor, raw []byte) string {
	if id, ok := p.MessageID(); ok {
		return id
	}
	sum := sha256.Sum256(raw)
	return "sha256:" + hex.EncodeToString(sum[:])
}
