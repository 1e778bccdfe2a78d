package testutils

import (
	"context"
	"testing"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/acmemail/internal/auth"
	"github.com/blockadesystems/acmemail/internal/config"
	"github.com/blockadesystems/acmemail/internal/responder"
	"github.com/blockadesystems/acmemail/internal/server"
	"github.com/blockadesystems/acmemail/internal/storage"
	"github.com/blockadesystems/acmemail/internal/transport"
)

// TestAPIKey is accepted with the operator role by servers from SetupTestServer.
const TestAPIKey = "test-operator-key"

// TestServer bundles the app with the collaborators tests inspect.
type TestServer struct {
	Echo     *echo.Echo
	Store    storage.Storage
	Recorder *transport.Recorder
	Config   *config.Config
}

// SetupTestServer builds the HTTPS app on an in-memory store. Replies are recorded instead
// of relayed.
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()

	testLogger := zaptest.NewLogger(t)

	t.Setenv("ACMEMAIL_STORAGE_TYPE", "memory")
	t.Setenv("ACMEMAIL_CONFIG_FILE", "")
	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}

	store := storage.NewMemoryStorage()
	if err := store.SaveAPIKey(context.Background(), TestAPIKey, []string{auth.RoleOperator}); err != nil {
		t.Fatalf("Failed to seed API key for test: %v", err)
	}

	recorder := transport.NewRecorder()
	svc := responder.NewService(store, recorder, responder.Options{
		StrictHeaders:  cfg.StrictHeaders,
		ResponseHeader: cfg.ResponseHeader,
		ResponseFooter: cfg.ResponseFooter,
	})

	e := echo.New()
	server.ApplyCommonMiddleware(e, store, cfg, svc, testLogger)
	server.SetupRouter(e, store)

	return &TestServer{Echo: e, Store: store, Recorder: recorder, Config: cfg}
}
