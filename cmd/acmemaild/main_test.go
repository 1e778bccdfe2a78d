package main

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/emersion/go-smtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/mailtest"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/responder"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/transport"
)

type downRelay struct{}

func (downRelay) Send(ctx context.Context, reply *email.Reply) error {
	return errors.New("connection refused")
}

func TestSMTPHandler(t *testing.T) {
	ctx := context.Background()
	raw := mailtest.Challenge().Bytes()

	t.Run("no pending challenge is permanent", func(t *testing.T) {
		h := smtpHandler(responder.NewService(storage.NewMemoryStorage(), transport.NewRecorder(), responder.Options{}))
		err := h(ctx, mailtest.Sender, []string{mailtest.Recipient}, raw)
		assert.ErrorIs(t, err, responder.ErrNoPendingChallenge)
	})

	t.Run("relay failure is temporary", func(t *testing.T) {
		store := storage.NewMemoryStorage()
		ident, err := model.NewEmailIdentifier(mailtest.Recipient)
		require.NoError(t, err)
		require.NoError(t, store.SaveChallenge(ctx, &model.EmailChallenge{
			ID:            "chal-1",
			Identifier:    ident,
			Token2:        mailtest.Token2,
			AccountKeyJWK: `{"kty":"EC","crv":"P-256","x":"f83OJ3D2xF1Bg8vub9tLe1gHMzV76e8Tus9uPHvRVEU","y":"x_FEzRu9m36HLN_tue659LNpXW6pCyStikYjKIWI5a0"}`,
			Status:        model.StatusPending,
		}))

		h := smtpHandler(responder.NewService(store, downRelay{}, responder.Options{}))
		err = h(ctx, mailtest.Sender, []string{mailtest.Recipient}, raw)
		var smtpErr *smtp.SMTPError
		require.ErrorAs(t, err, &smtpErr)
		assert.Equal(t, 451, smtpErr.Code)
	})
}

func TestReportServeError(t *testing.T) {
	errs := make(chan error, 3)
	reportServeError(errs, nil)
	reportServeError(errs, http.ErrServerClosed)
	reportServeError(errs, errors.New("address already in use"))

	require.Len(t, errs, 1)
	assert.EqualError(t, <-errs, "address already in use")
}
