package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/ca"
	"github.com/blockadesystems/acmemail/internal/config"
	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/responder"
	"github.com/blockadesystems/acmemail/internal/server"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/transport"
)

var logger *zap.Logger

func init() {
	logger = logging.For("main")
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	if err := logging.SetLevel(cfg.LogLevel); err != nil {
		logger.Warn("keeping default log level", zap.Error(err))
	}
	logger.Info("acmemail starting...",
		zap.String("storage_type", cfg.StorageType),
		zap.String("smtp_address", cfg.SMTPListenAddress),
		zap.String("https_address", cfg.HTTPSAddress),
		zap.Bool("require_signature", cfg.RequireSignature),
		zap.Bool("strict_headers", cfg.StrictHeaders))

	store, err := storage.NewStorage(
		cfg.StorageType,
		cfg.DBHost,
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBName,
		cfg.DBPort,
		cfg.DBSSLMode,
		cfg.DBCert,
		cfg.DBKey,
		cfg.DBRootCert,
	)
	if err != nil {
		logger.Fatal("failed to initialize storage", zap.Error(err), zap.String("storage_type", cfg.StorageType))
	}
	defer store.Close()
	logger.Info("storage initialized")

	ctx := context.Background()
	for key, apiKey := range cfg.APIKeys {
		if err := store.SaveAPIKey(ctx, key, apiKey.Roles); err != nil {
			logger.Fatal("failed to seed API key", zap.Error(err))
		}
	}
	logger.Info("API keys seeded", zap.Int("count", len(cfg.APIKeys)))

	anchors, err := ca.LoadTrustAnchors(cfg.TrustAnchorFiles)
	if err != nil {
		logger.Fatal("failed to load trust anchors", zap.Error(err))
	}
	if len(anchors) == 0 {
		if cfg.RequireSignature {
			logger.Fatal("signatures are required but no trust anchors are configured")
		}
		logger.Warn("no trust anchors configured, signed challenge messages will be rejected")
	}

	var sender transport.Sender
	switch {
	case cfg.RelayAddress != "":
		sender = transport.NewSMTPSender(cfg.RelayAddress, cfg.RelayUsername, cfg.RelayPassword, cfg.RelayImplicitTLS)
		logger.Info("relaying replies", zap.String("relay", cfg.RelayAddress))
	case cfg.DirectDelivery:
		sender = transport.NewDirectSender(cfg.DNSServers, cfg.DirectDeliveryPort)
		logger.Info("delivering replies to mail exchangers", zap.Int("port", cfg.DirectDeliveryPort))
	default:
		sender = transport.NewRecorder()
		logger.Warn("no relay configured and direct delivery disabled, replies are only logged")
	}

	svc := responder.NewService(store, sender, responder.Options{
		TrustAnchors:     anchors,
		RequireSignature: cfg.RequireSignature,
		StrictHeaders:    cfg.StrictHeaders,
		ResponseHeader:   cfg.ResponseHeader,
		ResponseFooter:   cfg.ResponseFooter,
	})

	var listener *transport.Listener
	timeout := time.Duration(cfg.SMTPTimeoutSeconds) * time.Second
	if cfg.SMTPListenAddress != "" {
		listener = transport.NewListener(transport.ListenerConfig{
			Addr:            cfg.SMTPListenAddress,
			Domain:          cfg.SMTPDomain,
			ReadTimeout:     timeout,
			WriteTimeout:    timeout,
			MaxMessageBytes: int64(cfg.SMTPMaxMessageBytes),
			MaxRecipients:   cfg.SMTPMaxRecipients,
		}, smtpHandler(svc))
	}

	certFile, keyFile, err := ca.EnsureHTTPSCertificates(cfg)
	if err != nil {
		logger.Fatal("failed to ensure HTTPS certificates", zap.Error(err))
	}

	e := echo.New()
	server.ApplyCommonMiddleware(e, store, cfg, svc, zap.L())
	e.Use(middleware.Logger())
	server.SetupRouter(e, store)

	errs := make(chan error, 2)
	if listener != nil {
		go func() {
			reportServeError(errs, listener.ListenAndServe())
		}()
	} else {
		logger.Warn("SMTP listener disabled, messages are only accepted over HTTPS")
	}
	go func() {
		logger.Info("listening on address", zap.String("address", cfg.HTTPSAddress))
		reportServeError(errs, e.StartTLS(cfg.HTTPSAddress, certFile, keyFile))
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errs:
		logger.Error("server stopped unexpectedly", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if listener != nil {
		if err := listener.Close(); err != nil {
			logger.Warn("error closing SMTP listener", zap.Error(err))
		}
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Warn("error shutting down HTTPS server", zap.Error(err))
	}
	_ = zap.L().Sync()
}

// reportServeError forwards the error a server stopped with. A clean shutdown is not reported.
func reportServeError(errs chan<- error, err error) {
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs <- err
	}
}

// smtpHandler answers messages arriving over SMTP. Failures that may pass on retry are
// reported with a 451 so that the sending MTA queues the message.
func smtpHandler(svc *responder.Service) transport.Handler {
	return func(ctx context.Context, from string, to []string, raw []byte) error {
		_, err := svc.Process(ctx, raw)
		if err != nil && responder.Temporary(err) {
			return &smtp.SMTPError{
				Code:         451,
				EnhancedCode: smtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure answering challenge, try again later",
			}
		}
		return err
	}
}
