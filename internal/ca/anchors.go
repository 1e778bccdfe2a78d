package ca

import (
	"bytes"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrInvalidTrustAnchor is returned for anchors that cannot vouch for S/MIME signers.
var ErrInvalidTrustAnchor = errors.New("ca: invalid trust anchor")

// LoadTrustAnchors reads every CERTIFICATE block of the given PEM files. Each certificate
// must pass ValidateTrustAnchor.
func LoadTrustAnchors(files []string) ([]*x509.Certificate, error) {
	var anchors []*x509.Certificate
	for _, file := range files {
		pemBytes, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("ca: failed to read trust anchor file '%s': %w", file, err)
		}
		certs, err := parseCertificates(pemBytes)
		if err != nil {
			return nil, fmt.Errorf("ca: trust anchor file '%s': %w", file, err)
		}
		for _, cert := range certs {
			if err := ValidateTrustAnchor(cert, time.Now()); err != nil {
				return nil, fmt.Errorf("ca: trust anchor file '%s': %w", file, err)
			}
			logger.Info("Loaded trust anchor", zap.String("file", file), zap.String("subject", cert.Subject.String()), zap.Bool("ca", cert.IsCA))
		}
		anchors = append(anchors, certs...)
	}
	return anchors, nil
}

// ValidateTrustAnchor accepts CA certificates allowed to sign certificates, and pinned
// end-entity certificates usable for email protection. Both must be valid at now.
func ValidateTrustAnchor(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: '%s' is not valid at %s", ErrInvalidTrustAnchor, cert.Subject, now.Format(time.RFC3339))
	}
	if cert.IsCA {
		if cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			return fmt.Errorf("%w: CA '%s' may not sign certificates", ErrInvalidTrustAnchor, cert.Subject)
		}
		return nil
	}
	if err := ValidateExtKeyUsage(cert.ExtKeyUsage, []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}); err != nil {
		return fmt.Errorf("%w: '%s': %v", ErrInvalidTrustAnchor, cert.Subject, err)
	}
	return nil
}

// ValidateExtKeyUsage checks that every required extended key usage is present. A
// certificate without the extension, or with ExtKeyUsageAny, is unrestricted.
func ValidateExtKeyUsage(certExtKeyUsages []x509.ExtKeyUsage, required []x509.ExtKeyUsage) error {
	if len(certExtKeyUsages) == 0 {
		return nil
	}
	for _, requiredUsage := range required {
		found := false
		for _, certUsage := range certExtKeyUsages {
			if certUsage == requiredUsage || certUsage == x509.ExtKeyUsageAny {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("ca: required extended key usage %v is missing", requiredUsage)
		}
	}
	return nil
}

// parseCertificates parses all PEM-encoded certificates, skipping other block types.
func parseCertificates(pemBytes []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := bytes.TrimSpace(pemBytes)
	for len(rest) > 0 {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("failed to decode PEM block containing certificate")
	}
	return certs, nil
}
