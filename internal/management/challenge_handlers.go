package management

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/acme"
	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/storage"
)

var logger *zap.Logger

func init() {
	logger = logging.For("management")
}

// createChallengeRequest registers the data of an email-reply-00 challenge the ACME client
// received from the CA.
type createChallengeRequest struct {
	Email          string          `json:"email"`
	Token1         string          `json:"token1,omitempty"` // Pin the token the challenge email must carry
	Token2         string          `json:"token2"`
	ExpectedSender string          `json:"expectedSender,omitempty"`
	AccountKey     json.RawMessage `json:"accountKey"` // JWK, private parts are discarded
}

// HandleCreateChallenge handles POST requests registering a pending challenge.
func HandleCreateChallenge(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleCreateChallenge"))
	ctx := c.Request().Context()

	var req createChallengeRequest
	if err := c.Bind(&req); err != nil {
		reqLogger.Warn("Failed to bind request body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
	}

	chal, err := newChallengeRecord(req)
	if err != nil {
		reqLogger.Warn("Rejected challenge registration", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if err := store.SaveChallenge(ctx, chal); err != nil {
		reqLogger.Error("Failed to save challenge", zap.String("challengeID", chal.ID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to save challenge")
	}

	reqLogger.Info("Registered pending challenge", zap.String("challengeID", chal.ID), zap.String("identifier", chal.Identifier.Value))
	c.Response().Header().Set(echo.HeaderLocation, c.Echo().Reverse("getChallenge", chal.ID))
	return c.JSON(http.StatusCreated, chal)
}

func newChallengeRecord(req createChallengeRequest) (*model.EmailChallenge, error) {
	ident, err := model.NewEmailIdentifier(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, err
	}
	if req.Token1 != "" {
		if err := acme.CheckToken("token1", req.Token1); err != nil {
			return nil, err
		}
	}
	if err := acme.CheckToken("token2", req.Token2); err != nil {
		return nil, err
	}

	sender := strings.TrimSpace(req.ExpectedSender)
	if sender != "" {
		if sender, err = model.NormalizeAddress(sender); err != nil {
			return nil, fmt.Errorf("invalid expected sender: %w", err)
		}
	}

	if len(req.AccountKey) == 0 {
		return nil, errors.New("accountKey is required")
	}
	key, err := acme.ParseAccountKey(string(req.AccountKey))
	if err != nil {
		return nil, err
	}
	if _, err := acme.Thumbprint(key); err != nil {
		return nil, err
	}
	publicJWK, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("failed to encode account key: %w", err)
	}

	return &model.EmailChallenge{
		ID:             uuid.NewString(),
		Identifier:     ident,
		Token1:         req.Token1,
		Token2:         req.Token2,
		ExpectedSender: sender,
		AccountKeyJWK:  string(publicJWK),
		Status:         model.StatusPending,
	}, nil
}

// HandleListChallenges handles GET requests listing challenges, optionally filtered by ?status=.
func HandleListChallenges(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleListChallenges"))
	ctx := c.Request().Context()

	status := c.QueryParam("status")
	switch status {
	case "", model.StatusPending, model.StatusResponded, model.StatusInvalid:
	default:
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("Unknown status '%s'", status))
	}

	challenges, err := store.ListChallenges(ctx, status)
	if err != nil {
		reqLogger.Error("Failed to list challenges from storage", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve challenges")
	}
	return c.JSON(http.StatusOK, challenges)
}

// HandleGetChallenge handles GET requests for a single challenge.
func HandleGetChallenge(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleGetChallenge"))
	ctx := c.Request().Context()

	id := c.Param("id")
	chal, err := store.GetChallenge(ctx, id)
	if err != nil {
		reqLogger.Error("Failed to get challenge from storage", zap.String("challengeID", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to retrieve challenge")
	}
	if chal == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Challenge not found")
	}
	return c.JSON(http.StatusOK, chal)
}

// HandleDeleteChallenge handles DELETE requests removing a challenge and its replay records.
func HandleDeleteChallenge(c echo.Context) error {
	store := c.Get("store").(storage.Storage)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleDeleteChallenge"))
	ctx := c.Request().Context()

	id := c.Param("id")
	if err := store.DeleteChallenge(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "Challenge not found")
		}
		reqLogger.Error("Failed to delete challenge", zap.String("challengeID", id), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to delete challenge")
	}

	reqLogger.Info("Deleted challenge", zap.String("challengeID", id))
	return c.NoContent(http.StatusNoContent)
}
