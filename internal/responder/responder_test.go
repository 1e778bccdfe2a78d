package responder_test

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/mailtest"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/responder"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/transport"
)

const accountKey = `{"kty":"RSA",` +
	`"n":"0vx7agoebGcQSuuPiLJXZptN9nndrQmbXEps2aiAFbWhM78LhWx4cbbfAAtVT86zwu1RK7aPFFxuhDR1L6tSoc_BJECPebWKRXjBZCiFV4n3oknjhMstn64tZ_2W-5JsGY4Hc5n9yBXArwl93lqt7_RN5w6Cf0h4QyQ5v-65YGjQR0_FDW2QvzqY368QQMicAtaSqzs8KJZgnYb9c7d0zgdAZHzu6qMQvRL5hajrn1n91CbOpbISD08qNLyrdkt-bFTWhAI4vMQFh6WeZu0fM4lFd2NcRwr3XPksINHaQ-G_xBniIqbw0Ls1jF44-csFCur-kEgU8awapJzKnqDKgw",` +
	`"e":"AQAB","alg":"RS256","kid":"2011-04-29"}`

type failingSender struct{}

func (failingSender) Send(ctx context.Context, reply *email.Reply) error {
	return errors.New("relay down")
}

func newRecord(t *testing.T, store storage.Storage, id string) *model.EmailChallenge {
	t.Helper()
	ident, err := model.NewEmailIdentifier(mailtest.Recipient)
	require.NoError(t, err)
	rec := &model.EmailChallenge{
		ID:             id,
		Identifier:     ident,
		Token2:         mailtest.Token2,
		ExpectedSender: mailtest.Sender,
		AccountKeyJWK:  accountKey,
		Status:         model.StatusPending,
	}
	require.NoError(t, store.SaveChallenge(context.Background(), rec))
	return rec
}

func TestProcess_Plain(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := newRecord(t, store, "chal-1")
	recorder := transport.NewRecorder()
	svc := responder.NewService(store, recorder, responder.Options{ResponseFooter: "Sent by acmemail"})

	res, err := svc.Process(ctx, mailtest.Challenge().Bytes())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.ChallengeID)
	assert.Equal(t, mailtest.MessageID, res.InReplyTo)
	assert.Equal(t, mailtest.ReplyTo, res.ReplyTo)
	assert.Equal(t, "Re: ACME: "+mailtest.Token1, res.Subject)
	assert.False(t, res.Signed)

	reply := recorder.Last()
	require.NotNil(t, reply)
	assert.Equal(t, res.MessageID, reply.MessageID)
	assert.Contains(t, reply.Body, "-----BEGIN ACME RESPONSE-----\r\n")
	assert.Contains(t, reply.Body, "Sent by acmemail")

	stored, err := store.GetChallenge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusResponded, stored.Status)
	assert.False(t, stored.RespondedAt.IsZero())
	assert.Nil(t, stored.Error)
}

func TestProcess_Replay(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := newRecord(t, store, "chal-1")
	recorder := transport.NewRecorder()
	svc := responder.NewService(store, recorder, responder.Options{})

	raw := mailtest.Challenge().Bytes()
	_, err := svc.Process(ctx, raw)
	require.NoError(t, err)

	// A fresh pending record for the same address must not be answered by the old message.
	rec.ID = "chal-2"
	rec.Status = model.StatusPending
	require.NoError(t, store.SaveChallenge(ctx, rec))

	_, err = svc.Process(ctx, raw)
	assert.ErrorIs(t, err, responder.ErrAlreadyProcessed)
	assert.Len(t, recorder.Replies(), 1)

	stored, err := store.GetChallenge(ctx, "chal-2")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
}

func TestProcess_NoPendingChallenge(t *testing.T) {
	svc := responder.NewService(storage.NewMemoryStorage(), transport.NewRecorder(), responder.Options{})
	_, err := svc.Process(context.Background(), mailtest.Challenge().Bytes())
	assert.ErrorIs(t, err, responder.ErrNoPendingChallenge)
	assert.Equal(t, http.StatusNotFound, responder.Problem(err).Status)
}

func TestProcess_MalformedMessage(t *testing.T) {
	svc := responder.NewService(storage.NewMemoryStorage(), transport.NewRecorder(), responder.Options{})
	msg := mailtest.Challenge()
	msg.To = ""
	_, err := svc.Process(context.Background(), msg.Bytes())
	assert.ErrorIs(t, err, email.ErrMalformedInput)
	assert.Equal(t, model.ProblemMalformed, responder.Problem(err).Type)
}

func TestProcess_SignedFailureInvalidatesRecord(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(rec *model.EmailChallenge, msg *mailtest.Message)
		wantErr  error
		wantType string
	}{
		{
			name: "wrong sender",
			mutate: func(rec *model.EmailChallenge, msg *mailtest.Message) {
				msg.From = "someone@example.net"
			},
			wantErr:  email.ErrExpectationMismatch,
			wantType: model.ProblemUnauthorized,
		},
		{
			name: "pinned token1 differs",
			mutate: func(rec *model.EmailChallenge, msg *mailtest.Message) {
				rec.Token1 = "aaaaaaaaaaaaaaaaaaaaaa"
			},
			wantErr:  email.ErrTokenMismatch,
			wantType: model.ProblemIncorrectResponse,
		},
		{
			name: "unusable account key",
			mutate: func(rec *model.EmailChallenge, msg *mailtest.Message) {
				rec.AccountKeyJWK = "{}"
			},
			wantErr:  nil,
			wantType: model.ProblemServerInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStorage()
			rec := newRecord(t, store, "chal-1")
			msg := mailtest.Challenge()
			tt.mutate(rec, &msg)
			require.NoError(t, store.SaveChallenge(ctx, rec))

			signer := mailtest.NewSigner(t, msg.From)
			raw := msg.Signed(t, signer, mailtest.SignOptions{})

			recorder := transport.NewRecorder()
			svc := responder.NewService(store, recorder, responder.Options{
				TrustAnchors: []*x509.Certificate{signer.Certificate},
			})
			_, err := svc.Process(ctx, raw)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, recorder.Replies())

			stored, err := store.GetChallenge(ctx, rec.ID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusInvalid, stored.Status)
			require.NotNil(t, stored.Error)
			assert.Equal(t, tt.wantType, stored.Error.Type)
		})
	}
}

func TestProcess_UnsignedFailureKeepsPending(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := newRecord(t, store, "chal-1")
	recorder := transport.NewRecorder()
	svc := responder.NewService(store, recorder, responder.Options{})

	forged := mailtest.Challenge()
	forged.From = "mallory@evil.example"
	forged.MessageID = "<forged@evil.example>"
	_, err := svc.Process(ctx, forged.Bytes())
	assert.ErrorIs(t, err, email.ErrExpectationMismatch)
	assert.Empty(t, recorder.Replies())

	stored, err := store.GetChallenge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)
	assert.Nil(t, stored.Error)

	// The CA's own message is still answered.
	res, err := svc.Process(ctx, mailtest.Challenge().Bytes())
	require.NoError(t, err)
	assert.Equal(t, rec.ID, res.ChallengeID)
	assert.Len(t, recorder.Replies(), 1)
}

func TestProcess_DeliveryFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	rec := newRecord(t, store, "chal-1")

	_, err := responder.NewService(store, failingSender{}, responder.Options{}).Process(ctx, mailtest.Challenge().Bytes())
	assert.ErrorIs(t, err, responder.ErrDelivery)
	assert.True(t, responder.Temporary(err))

	stored, err := store.GetChallenge(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, stored.Status)

	// The replay guard was rolled back with the transaction, so a retry succeeds.
	recorder := transport.NewRecorder()
	_, err = responder.NewService(store, recorder, responder.Options{}).Process(ctx, mailtest.Challenge().Bytes())
	require.NoError(t, err)
	assert.Len(t, recorder.Replies(), 1)
}

func TestProcess_Signed(t *testing.T) {
	ctx := context.Background()
	signer := mailtest.NewSigner(t, mailtest.Sender)
	msg := mailtest.Challenge()
	raw := msg.Signed(t, signer, mailtest.SignOptions{Protected: msg.ProtectedFrom()})

	t.Run("trusted signer", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		newRecord(t, store, "chal-1")
		recorder := transport.NewRecorder()
		svc := responder.NewService(store, recorder, responder.Options{
			TrustAnchors:     []*x509.Certificate{signer.Certificate},
			RequireSignature: true,
			StrictHeaders:    true,
		})

		res, err := svc.Process(ctx, raw)
		require.NoError(t, err)
		assert.True(t, res.Signed)
		assert.Len(t, recorder.Replies(), 1)
	})

	t.Run("untrusted signer", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		rec := newRecord(t, store, "chal-1")
		other := mailtest.NewCA(t)
		svc := responder.NewService(store, transport.NewRecorder(), responder.Options{
			TrustAnchors: []*x509.Certificate{other.Certificate},
		})

		_, err := svc.Process(ctx, raw)
		assert.ErrorIs(t, err, email.ErrCertificateTrust)
		assert.Equal(t, http.StatusForbidden, responder.Problem(err).Status)
		assert.False(t, responder.Temporary(err))

		// Signature checks run before the record lookup, so the record is untouched.
		stored, err := store.GetChallenge(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusPending, stored.Status)
	})

	t.Run("unsigned rejected", func(t *testing.T) {
		svc := responder.NewService(storage.NewMemoryStorage(), transport.NewRecorder(), responder.Options{RequireSignature: true})
		_, err := svc.Process(ctx, msg.Bytes())
		assert.ErrorIs(t, err, responder.ErrUnsignedMessage)
		assert.Equal(t, http.StatusBadRequest, responder.Problem(err).Status)
	})
}

func TestProblem(t *testing.T) {
	tests := []struct {
		err        error
		wantType   string
		wantStatus int
	}{
		{email.ErrMalformedInput, model.ProblemMalformed, http.StatusBadRequest},
		{email.ErrSignatureInvalid, model.ProblemUnauthorized, http.StatusForbidden},
		{email.ErrHeaderConsistency, model.ProblemUnauthorized, http.StatusForbidden},
		{email.ErrTokenMismatch, model.ProblemIncorrectResponse, http.StatusForbidden},
		{responder.ErrAlreadyProcessed, model.ProblemMalformed, http.StatusConflict},
		{responder.ErrDelivery, model.ProblemServerInternal, http.StatusBadGateway},
		{errors.New("boom"), model.ProblemServerInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		p := responder.Problem(tt.err)
		assert.Equal(t, tt.wantType, p.Type, tt.err.Error())
		assert.Equal(t, tt.wantStatus, p.Status, tt.err.Error())
		assert.Equal(t, tt.err.Error(), p.Detail)
	}
}
