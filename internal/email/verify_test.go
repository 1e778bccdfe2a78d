package email_test

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/mailtest"
)

func TestSignedMessage_Valid(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	m := mailtest.Challenge()

	for name, opts := range map[string]mailtest.SignOptions{
		"without protected headers": {},
		"protected in signed part":  {Protected: m.ProtectedFrom()},
		"protected message/rfc822":  {Protected: m.ProtectedFrom(), Embedded: true},
	} {
		t.Run(name, func(t *testing.T) {
			raw := m.Signed(t, signer, opts)

			p, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
			require.NoError(t, err)
			assert.True(t, p.Strict())

			msg := p.Message()
			assert.True(t, msg.Signed)
			assert.True(t, signer.Certificate.Equal(msg.SignerCertificate))
			assert.Contains(t, msg.Body, "automatically generated ACME challenge")
			assert.Equal(t, opts.Protected != nil, msg.Protected != nil)

			assert.Equal(t, mailtest.Sender, p.Sender())
			assert.Equal(t, mailtest.Recipient, p.Recipient())
			assert.Equal(t, mailtest.Token1, p.Token1())

			_, err = p.WithChallenge(matchingChallenge())
			require.NoError(t, err)
			reply, err := generateReply(t, p)
			require.NoError(t, err)
			assert.Equal(t, responseBody, reply.Body)
		})
	}
}

func generateReply(t *testing.T, p *email.Processor) (*email.Reply, error) {
	t.Helper()
	b, err := p.Respond()
	require.NoError(t, err)
	return b.GenerateResponse()
}

func TestSignedMessage_SignerIsAnchor(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.NoError(t, err)
}

func TestSignedMessage_NoAnchorsRejected(t *testing.T) {
	// A self-signed certificate naming the sender proves nothing without an anchor.
	signer := mailtest.NewSigner(t, mailtest.Sender)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})

	_, err := email.SignedMessage(raw, nil, true)
	assert.ErrorIs(t, err, email.ErrCertificateTrust)

	_, err = email.SignedMessage(raw, []*x509.Certificate{}, false)
	assert.ErrorIs(t, err, email.ErrCertificateTrust)
}

func TestSignedMessage_LFLineEndings(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})
	lf := []byte{}
	for _, c := range raw {
		if c != '\r' {
			lf = append(lf, c)
		}
	}

	_, err := email.SignedMessage(lf, []*x509.Certificate{signer.Certificate}, true)
	assert.NoError(t, err)
}

func TestSignedMessage_InvalidSignature(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{Tamper: true})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.ErrorIs(t, err, email.ErrSignatureInvalid)
}

func TestSignedMessage_SignatureCheckedBeforeCertificate(t *testing.T) {
	signer := mailtest.NewSigner(t)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{Tamper: true})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.ErrorIs(t, err, email.ErrSignatureInvalid)
}

func TestSignedMessage_NoSubjectAltName(t *testing.T) {
	signer := mailtest.NewSigner(t)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.ErrorIs(t, err, email.ErrCertificateTrust)
	assert.ErrorContains(t, err, "signing certificate does not provide a rfc822Name subjectAltName")
}

func TestSignedMessage_SubjectAltNameMismatch(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	m := mailtest.Challenge()
	m.From = "different-ca@example.com"
	raw := m.Signed(t, signer, mailtest.SignOptions{Protected: m.ProtectedFrom()})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.ErrorIs(t, err, email.ErrCertificateTrust)
	assert.ErrorContains(t, err, "sender 'different-ca@example.com' was not found in signing certificate")
}

func TestSignedMessage_SubjectAltNameCaseInsensitive(t *testing.T) {
	signer := mailtest.NewSigner(t, "ACME-Generator@Example.ORG")
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})

	_, err := email.SignedMessage(raw, []*x509.Certificate{signer.Certificate}, true)
	assert.NoError(t, err)
}

func TestSignedMessage_TrustAnchors(t *testing.T) {
	ca := mailtest.NewCA(t)
	signer := ca.Issue(t, mailtest.Sender)
	raw := mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{})

	_, err := email.SignedMessage(raw, []*x509.Certificate{ca.Certificate}, true)
	assert.NoError(t, err, "certificates issued by an anchor are trusted")

	other := mailtest.NewCA(t)
	_, err = email.SignedMessage(raw, []*x509.Certificate{other.Certificate}, true)
	assert.ErrorIs(t, err, email.ErrCertificateTrust)
}

func TestSignedMessage_ProtectedHeaderMismatch(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	anchors := []*x509.Certificate{signer.Certificate}

	cases := map[string]struct {
		mutate func(p *mailtest.Protected)
		header string
	}{
		"from":    {func(p *mailtest.Protected) { p.From = "other-ca@example.org" }, "'From'"},
		"to":      {func(p *mailtest.Protected) { p.To = "someone@example.com" }, "'To'"},
		"subject": {func(p *mailtest.Protected) { p.Subject = "ACME: " + mailtest.Token1 + "x" }, "'Subject'"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			m := mailtest.Challenge()
			protected := m.ProtectedFrom()
			tc.mutate(protected)

			for _, embedded := range []bool{false, true} {
				raw := m.Signed(t, signer, mailtest.SignOptions{Protected: protected, Embedded: embedded})
				_, err := email.SignedMessage(raw, anchors, true)
				assert.ErrorIs(t, err, email.ErrHeaderConsistency)
				assert.ErrorContains(t, err, tc.header)
			}
		})
	}
}

func TestSignedMessage_LenientSubject(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)
	anchors := []*x509.Certificate{signer.Certificate}

	m := mailtest.Challenge()
	protected := m.ProtectedFrom()
	m.Subject = "[acme-list] ACME: " + mailtest.Token1
	raw := m.Signed(t, signer, mailtest.SignOptions{Protected: protected, Embedded: true})

	_, err := email.SignedMessage(raw, anchors, true)
	assert.ErrorIs(t, err, email.ErrHeaderConsistency)

	p, err := email.SignedMessage(raw, anchors, false)
	require.NoError(t, err)
	assert.Equal(t, mailtest.Token1, p.Token1())

	// From and To are never relaxed.
	protected.To = "someone@example.com"
	raw = m.Signed(t, signer, mailtest.SignOptions{Protected: protected, Embedded: true})
	_, err = email.SignedMessage(raw, anchors, false)
	assert.ErrorIs(t, err, email.ErrHeaderConsistency)
}

func TestSignedMessage_NotSigned(t *testing.T) {
	_, err := email.SignedMessage(mailtest.Challenge().Bytes(), nil, true)
	assert.ErrorIs(t, err, email.ErrMalformedInput)
}

func TestIsSigned(t *testing.T) {
	signer := mailtest.NewSigner(t, mailtest.Sender)

	signed, err := email.IsSigned(mailtest.Challenge().Signed(t, signer, mailtest.SignOptions{}))
	require.NoError(t, err)
	assert.True(t, signed)

	signed, err = email.IsSigned(mailtest.Challenge().Bytes())
	require.NoError(t, err)
	assert.False(t, signed)

	_, err = email.IsSigned(nil)
	assert.ErrorIs(t, err, email.ErrMalformedInput)
}
