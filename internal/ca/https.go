package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/config"
	"github.com/blockadesystems/acmemail/internal/logging"
)

const (
	defaultSerialBits = 128                  // Bit size for serial number randomness
	httpsKeySize      = 2048                 // RSA key size for HTTPS cert
	httpsCertLifetime = 365 * 24 * time.Hour // 1 year validity for self-signed HTTPS
)

var logger *zap.Logger

func init() {
	logger = logging.For("ca")
}

// EnsureHTTPSCertificates checks for existing certs or generates self-signed ones.
// The generated certificate names localhost and cfg.SMTPDomain.
func EnsureHTTPSCertificates(cfg *config.Config) (string, string, error) {
	certFile := cfg.HTTPSCertFile
	keyFile := cfg.HTTPSKeyFile

	dataDir := filepath.Dir(certFile) // Assume key is in same dir
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		logger.Info("Data directory for HTTPS certs not found, creating...", zap.String("dir", dataDir))
		if err = os.MkdirAll(dataDir, 0750); err != nil {
			return "", "", fmt.Errorf("ca: failed to create data directory '%s': %w", dataDir, err)
		}
	}

	if _, err := os.Stat(certFile); err == nil {
		if _, err := os.Stat(keyFile); err == nil {
			logger.Info("Using existing HTTPS certificate and key files", zap.String("cert", certFile), zap.String("key", keyFile))
			return certFile, keyFile, nil
		}
		logger.Warn("HTTPS certificate file exists, but key file is missing. Will generate new pair.", zap.String("cert", certFile), zap.String("key", keyFile))
	} else if !os.IsNotExist(err) {
		return "", "", fmt.Errorf("ca: failed to check HTTPS certificate file '%s': %w", certFile, err)
	} else if _, err := os.Stat(keyFile); err == nil {
		logger.Warn("HTTPS key file exists, but certificate file is missing. Will generate new pair.", zap.String("cert", certFile), zap.String("key", keyFile))
	}

	logger.Info("Generating new self-signed HTTPS certificate and key", zap.String("cert", certFile), zap.String("key", keyFile))
	if err := generateSelfSignedCert(certFile, keyFile, cfg.SMTPDomain); err != nil {
		return "", "", err
	}
	return certFile, keyFile, nil
}

func generateSelfSignedCert(certFile, keyFile, hostname string) error {
	privKey, err := rsa.GenerateKey(rand.Reader, httpsKeySize)
	if err != nil {
		return fmt.Errorf("ca: failed to generate HTTPS private key: %w", err)
	}

	serialNumber, err := generateSerialNumber()
	if err != nil {
		return err
	}

	dnsNames := []string{"localhost"}
	if hostname != "" && hostname != "localhost" {
		dnsNames = append(dnsNames, hostname)
	}
	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"acmemail"},
			CommonName:   dnsNames[len(dnsNames)-1],
		},
		DNSNames:    dnsNames,
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
		NotBefore:   time.Now().Add(-1 * time.Minute),
		NotAfter:    time.Now().Add(httpsCertLifetime),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, &template, &template, &privKey.PublicKey, privKey)
	if err != nil {
		return fmt.Errorf("ca: failed to create self-signed HTTPS certificate: %w", err)
	}

	certOut, err := os.Create(certFile)
	if err != nil {
		return fmt.Errorf("ca: failed to open cert file for writing '%s': %w", certFile, err)
	}
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: derBytes}); err != nil {
		certOut.Close()
		return fmt.Errorf("ca: failed to write data to cert file '%s': %w", certFile, err)
	}
	if err := certOut.Close(); err != nil {
		return fmt.Errorf("ca: failed to close cert file '%s': %w", certFile, err)
	}
	logger.Info("HTTPS certificate generated", zap.String("file", certFile))

	keyOut, err := os.OpenFile(keyFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("ca: failed to open key file for writing '%s': %w", keyFile, err)
	}
	if err := pem.Encode(keyOut, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)}); err != nil {
		keyOut.Close()
		return fmt.Errorf("ca: failed to write data to key file '%s': %w", keyFile, err)
	}
	if err := keyOut.Close(); err != nil {
		return fmt.Errorf("ca: failed to close key file '%s': %w", keyFile, err)
	}
	logger.Info("HTTPS private key generated", zap.String("file", keyFile))
	return nil
}

// generateSerialNumber creates a secure random serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), defaultSerialBits)
	serialNumber, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("ca: failed to generate serial number: %w", err)
	}
	if serialNumber.Sign() != 1 {
		return nil, errors.New("ca: generated non-positive serial number")
	}
	return serialNumber, nil
}
