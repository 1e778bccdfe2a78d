// Package mailtest builds challenge messages and S/MIME signer certificates for tests.
package mailtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/smallstep/pkcs7"
	"github.com/stretchr/testify/require"
)

// Values of the default challenge message.
const (
	Sender    = "acme-generator@example.org"
	Recipient = "alexey@example.com"
	ReplyTo   = "acme-validator@example.org"
	MessageID = "<A2299BB.FF7788@example.org>"
	Token1    = "LgYemJLy3F1LDkiJrdIGbEzyFJyOyf6vBdyZ1TG3sME"
	Token2    = "DGyRejmCefe7v4NfDGDKfA"
)

const boundary = "----=_Part_0_acmemail.1"

// Message describes a challenge email. Empty header fields are left out.
type Message struct {
	From      string
	To        string
	ReplyTo   string
	MessageID string
	Subject   string
	Body      string
}

// Challenge returns the default challenge message.
func Challenge() Message {
	return Message{
		From:      Sender,
		To:        Recipient,
		ReplyTo:   ReplyTo,
		MessageID: MessageID,
		Subject:   "ACME: " + Token1,
		Body: "This is an automatically generated ACME challenge for email address\r\n" +
			"\"alexey@example.com\". If you haven't requested an S/MIME\r\n" +
			"certificate generation for this email address, be very afraid.\r\n" +
			"If you did request it, your email client might be able to process\r\n" +
			"this request automatically, or you might have to paste the first\r\n" +
			"token part into an external program.\r\n",
	}
}

func (m Message) envelope() string {
	var b strings.Builder
	writeHeader(&b, "From", m.From)
	writeHeader(&b, "To", m.To)
	writeHeader(&b, "Reply-To", m.ReplyTo)
	writeHeader(&b, "Message-Id", m.MessageID)
	writeHeader(&b, "Subject", m.Subject)
	writeHeader(&b, "Date", "Sat, 1 Mar 2025 14:00:00 +0000")
	writeHeader(&b, "MIME-Version", "1.0")
	return b.String()
}

func (m Message) body() string {
	body := strings.ReplaceAll(m.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "\r\n")
	if !strings.HasSuffix(body, "\r\n") {
		body += "\r\n"
	}
	return body
}

// Bytes renders m as an unsigned text/plain message.
func (m Message) Bytes() []byte {
	return []byte(m.envelope() + "Content-Type: text/plain; charset=utf-8\r\n\r\n" + m.body())
}

// Protected lists header copies placed inside the signed part. Empty fields are left out.
type Protected struct {
	From    string
	To      string
	Subject string
}

// ProtectedFrom copies the envelope headers of m.
func (m Message) ProtectedFrom() *Protected {
	return &Protected{From: m.From, To: m.To, Subject: m.Subject}
}

// SignOptions controls how Signed builds the message.
type SignOptions struct {
	Protected *Protected // header copies, none when nil
	Embedded  bool       // wrap the signed content in a message/rfc822 part
	Tamper    bool       // alter the signed content after signing
}

// Signed renders m as an S/MIME multipart/signed message signed by s.
func (m Message) Signed(t testing.TB, s *Signer, opts SignOptions) []byte {
	t.Helper()

	var headers strings.Builder
	if p := opts.Protected; p != nil {
		writeHeader(&headers, "From", p.From)
		writeHeader(&headers, "To", p.To)
		writeHeader(&headers, "Subject", p.Subject)
	}

	content := headers.String() + "Content-Type: text/plain; charset=utf-8\r\n\r\n" + m.body()
	if opts.Embedded {
		content = "Content-Type: message/rfc822; forwarded=no\r\n\r\n" + content
	}

	signature := s.sign(t, []byte(content))
	if opts.Tamper {
		content = strings.TrimSuffix(content, "\r\n") + "X\r\n"
	}

	var b strings.Builder
	b.WriteString(m.envelope())
	b.WriteString(`Content-Type: multipart/signed; protocol="application/pkcs7-signature"; micalg=sha-256; boundary="` + boundary + `"` + "\r\n\r\n")
	b.WriteString("This is an S/MIME signed message\r\n")
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString(content)
	b.WriteString("\r\n--" + boundary + "\r\n")
	b.WriteString("Content-Type: application/pkcs7-signature; name=\"smime.p7s\"\r\n")
	b.WriteString("Content-Transfer-Encoding: base64\r\n")
	b.WriteString("Content-Disposition: attachment; filename=\"smime.p7s\"\r\n\r\n")
	encoded := base64.StdEncoding.EncodeToString(signature)
	for len(encoded) > 76 {
		b.WriteString(encoded[:76] + "\r\n")
		encoded = encoded[76:]
	}
	b.WriteString(encoded + "\r\n")
	b.WriteString("\r\n--" + boundary + "--\r\n")
	return []byte(b.String())
}

func writeHeader(b *strings.Builder, name, value string) {
	if value != "" {
		b.WriteString(name + ": " + value + "\r\n")
	}
}

// Signer is a key and certificate able to sign challenge messages.
type Signer struct {
	Certificate *x509.Certificate
	Key         *rsa.PrivateKey
}

// NewSigner creates a self-signed certificate carrying emails as rfc822Name entries.
// Without emails the certificate has no subjectAltName.
func NewSigner(t testing.TB, emails ...string) *Signer {
	t.Helper()
	return issue(t, nil, false, emails)
}

// NewCA creates a self-signed issuing certificate.
func NewCA(t testing.TB) *Signer {
	t.Helper()
	return issue(t, nil, true, nil)
}

// Issue creates a signer certificate issued by s.
func (s *Signer) Issue(t testing.TB, emails ...string) *Signer {
	t.Helper()
	return issue(t, s, false, emails)
}

func issue(t testing.TB, parent *Signer, isCA bool, emails []string) *Signer {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	require.NoError(t, err)

	name := "ACME Test Signer"
	if isCA {
		name = "ACME Test CA"
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: name, Organization: []string{"acmemail tests"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection},
		EmailAddresses:        emails,
		BasicConstraintsValid: true,
		IsCA:                  isCA,
	}
	if isCA {
		template.KeyUsage |= x509.KeyUsageCertSign
		template.ExtKeyUsage = nil
	}

	issuerCert, issuerKey := template, key
	if parent != nil {
		issuerCert, issuerKey = parent.Certificate, parent.Key
	}
	der, err := x509.CreateCertificate(rand.Reader, template, issuerCert, &key.PublicKey, issuerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return &Signer{Certificate: cert, Key: key}
}

func (s *Signer) sign(t testing.TB, content []byte) []byte {
	t.Helper()
	sd, err := pkcs7.NewSignedData(content)
	require.NoError(t, err)
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	require.NoError(t, sd.AddSigner(s.Certificate, s.Key, pkcs7.SignerInfoConfig{}))
	sd.Detach()
	der, err := sd.Finish()
	require.NoError(t, err)
	return der
}
