package email

import (
	"bytes"
	"crypto/x509"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/smallstep/pkcs7"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/model"
)

// signatureTypes are the accepted protocols of a multipart/signed message.
var signatureTypes = map[string]bool{
	"application/pkcs7-signature":   true,
	"application/x-pkcs7-signature": true,
}

// parseSigned parses and verifies an S/MIME multipart/signed challenge message.
// Failures are reported in a fixed order: malformed input, invalid signature,
// untrusted certificate, inconsistent protected headers.
func parseSigned(raw []byte, anchors []*x509.Certificate, strict bool) (*InboundMessage, error) {
	raw = canonicalCRLF(raw)
	e, err := readEntity(raw)
	if err != nil {
		return nil, err
	}

	mediaType, params, err := e.Header.ContentType()
	if err != nil || mediaType != "multipart/signed" {
		return nil, fmt.Errorf("%w: message is not S/MIME signed", ErrMalformedInput)
	}
	if !signatureTypes[strings.ToLower(params["protocol"])] {
		return nil, fmt.Errorf("%w: unsupported signature protocol %q", ErrMalformedInput, params["protocol"])
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, fmt.Errorf("%w: multipart/signed without boundary", ErrMalformedInput)
	}

	msg, err := readEnvelope(mail.Header{Header: e.Header})
	if err != nil {
		return nil, err
	}
	msg.Signed = true

	content, signature, err := splitSigned(raw, boundary)
	if err != nil {
		return nil, err
	}
	if err := msg.readSignedContent(content); err != nil {
		return nil, err
	}
	// A protected Subject is authenticated and wins over the envelope copy.
	subject := msg.Subject
	if msg.Protected != nil && msg.Protected.Subject != "" {
		subject = msg.Protected.Subject
	}
	if err := msg.extractTokens(subject); err != nil {
		return nil, err
	}

	cert, err := verifySignature(content, signature, anchors)
	if err != nil {
		return nil, err
	}
	msg.SignerCertificate = cert

	if err := checkTrustAnchors(cert, anchors); err != nil {
		return nil, err
	}
	if err := checkSubjectAltName(cert, msg.Sender); err != nil {
		return nil, err
	}
	if err := checkProtectedHeaders(msg, strict); err != nil {
		return nil, err
	}
	return msg, nil
}

// readSignedContent reads the body text and protected headers from the signed part.
// The headers come from an embedded message/rfc822 part, or from the signed part itself.
func (m *InboundMessage) readSignedContent(content []byte) error {
	part, err := readEntity(content)
	if err != nil {
		return err
	}

	inner := part
	mediaType, _, _ := part.Header.ContentType()
	if mediaType == "message/rfc822" {
		embedded, err := io.ReadAll(part.Body)
		if err != nil {
			return fmt.Errorf("%w: cannot read embedded message: %v", ErrMalformedInput, err)
		}
		if inner, err = readEntity(embedded); err != nil {
			return err
		}
	}

	protected, err := readProtectedHeaders(mail.Header{Header: inner.Header})
	if err != nil {
		return err
	}
	m.Protected = protected

	body, err := readText(inner)
	if err != nil {
		return err
	}
	m.Body = body
	return nil
}

func readProtectedHeaders(h mail.Header) (*ProtectedHeaders, error) {
	if !h.Has("From") && !h.Has("To") && !h.Has("Subject") {
		return nil, nil
	}
	from, err := singleAddress(h, "From", false)
	if err != nil {
		return nil, err
	}
	to, err := singleAddress(h, "To", false)
	if err != nil {
		return nil, err
	}
	subject, err := h.Subject()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode protected Subject: %v", ErrMalformedInput, err)
	}
	return &ProtectedHeaders{From: from, To: to, Subject: subject}, nil
}

// verifySignature checks the detached CMS signature over content and returns the signer
// certificate. When the signature carries no certificates the trust anchors are offered as
// signer candidates.
func verifySignature(content, signature []byte, anchors []*x509.Certificate) (*x509.Certificate, error) {
	p7, err := pkcs7.Parse(signature)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot parse signature: %v", ErrMalformedInput, err)
	}
	p7.Content = content
	if len(p7.Certificates) == 0 {
		p7.Certificates = anchors
	}

	signer := p7.GetOnlySigner()
	if signer == nil {
		return nil, fmt.Errorf("%w: signature does not identify exactly one signer certificate", ErrMalformedInput)
	}
	if err := p7.Verify(); err != nil {
		logger.Warn("S/MIME signature verification failed", zap.Error(err), zap.String("signer", signer.Subject.String()))
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return signer, nil
}

// checkTrustAnchors accepts a certificate that is one of the anchors or directly issued by
// one. No chain is built. An empty anchor set trusts nothing.
func checkTrustAnchors(cert *x509.Certificate, anchors []*x509.Certificate) error {
	if len(anchors) == 0 {
		logger.Warn("no trust anchors configured, rejecting signed message", zap.String("subject", cert.Subject.String()))
		return fmt.Errorf("%w: no trust anchors configured", ErrCertificateTrust)
	}
	for _, anchor := range anchors {
		if cert.Equal(anchor) {
			return nil
		}
		if bytes.Equal(cert.RawIssuer, anchor.RawSubject) && cert.CheckSignatureFrom(anchor) == nil {
			return nil
		}
	}
	logger.Warn("signing certificate not issued by a trust anchor", zap.String("subject", cert.Subject.String()))
	return fmt.Errorf("%w: signing certificate was not issued by a trust anchor", ErrCertificateTrust)
}

// checkSubjectAltName requires an rfc822Name entry that matches the sender.
func checkSubjectAltName(cert *x509.Certificate, sender string) error {
	if len(cert.EmailAddresses) == 0 {
		return fmt.Errorf("%w: signing certificate does not provide a rfc822Name subjectAltName", ErrCertificateTrust)
	}
	for _, san := range cert.EmailAddresses {
		norm, err := model.NormalizeAddress(san)
		if err != nil {
			continue
		}
		if strings.EqualFold(norm, sender) {
			return nil
		}
	}
	logger.Warn("sender not found in signing certificate", zap.String("sender", sender), zap.Strings("san", cert.EmailAddresses))
	return fmt.Errorf("%w: sender '%s' was not found in signing certificate", ErrCertificateTrust, sender)
}

// splitSigned cuts the raw multipart/signed body into the signed part, byte for byte, and
// the decoded signature. go-message only exposes decoded part bodies, while the signature
// covers the part including its headers.
func splitSigned(raw []byte, boundary string) (content, signature []byte, err error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, nil, fmt.Errorf("%w: message has no body", ErrMalformedInput)
	}
	parts, err := splitParts(raw[headerEnd+4:], boundary)
	if err != nil {
		return nil, nil, err
	}
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: multipart/signed must have two parts, found %d", ErrMalformedInput, len(parts))
	}

	sigPart, err := readEntity(parts[1])
	if err != nil {
		return nil, nil, err
	}
	sigType, _, _ := sigPart.Header.ContentType()
	if !signatureTypes[sigType] {
		return nil, nil, fmt.Errorf("%w: unexpected signature part type %q", ErrMalformedInput, sigType)
	}
	signature, err = io.ReadAll(sigPart.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: cannot read signature: %v", ErrMalformedInput, err)
	}
	return parts[0], signature, nil
}

// splitParts returns the raw parts of a multipart body. The CRLF preceding a delimiter
// belongs to the delimiter.
func splitParts(body []byte, boundary string) ([][]byte, error) {
	delim := []byte("--" + boundary)
	next := append([]byte("\r\n"), delim...)

	var pos int
	if !bytes.HasPrefix(body, delim) {
		i := bytes.Index(body, next)
		if i < 0 {
			return nil, fmt.Errorf("%w: multipart boundary not found", ErrMalformedInput)
		}
		pos = i + 2
	}

	var parts [][]byte
	for {
		line := bytes.Index(body[pos:], []byte("\r\n"))
		if line < 0 {
			return nil, fmt.Errorf("%w: truncated multipart body", ErrMalformedInput)
		}
		if bytes.HasPrefix(body[pos+len(delim):], []byte("--")) {
			return parts, nil
		}
		start := pos + line + 2
		end := bytes.Index(body[start:], next)
		if end < 0 {
			return nil, fmt.Errorf("%w: multipart closing boundary not found", ErrMalformedInput)
		}
		parts = append(parts, body[start:start+end])
		pos = start + end + 2
	}
}

// canonicalCRLF converts bare LF line endings to CRLF.
func canonicalCRLF(b []byte) []byte {
	if !bytes.Contains(b, []byte("\n")) {
		return b
	}
	b = bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
	return bytes.ReplaceAll(b, []byte("\n"), []byte("\r\n"))
}
