package management

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/config"
	"github.com/blockadesystems/acmemail/internal/model"
	"github.com/blockadesystems/acmemail/internal/responder"
)

// MIMEProblemJSON is the media type of RFC 7807 problem documents.
const MIMEProblemJSON = "application/problem+json"

// HandleSubmitMessage handles POST requests carrying a raw challenge email (RFC 5322 bytes).
// The message is answered exactly as if it had arrived over SMTP.
func HandleSubmitMessage(c echo.Context) error {
	svc := c.Get("responder").(*responder.Service)
	cfg := c.Get("cfg").(*config.Config)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleSubmitMessage"))

	body := http.MaxBytesReader(c.Response(), c.Request().Body, int64(cfg.SMTPMaxMessageBytes))
	raw, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "Message exceeds the size limit")
		}
		reqLogger.Warn("Failed to read message body", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "Failed to read message body")
	}
	if len(raw) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "Message body cannot be empty")
	}

	result, err := svc.Process(c.Request().Context(), raw)
	if err != nil {
		problem := responder.Problem(err)
		reqLogger.Warn("Challenge message was not answered", zap.Error(err), zap.Int("status", problem.Status))
		return writeProblem(c, problem)
	}

	reqLogger.Info("Challenge message answered", zap.String("challengeID", result.ChallengeID))
	return c.JSON(http.StatusCreated, result)
}

func writeProblem(c echo.Context, problem *model.ProblemDetails) error {
	if problem.Status == 0 {
		logger.Warn("Problem without status", zap.String("type", problem.Type))
		problem.Status = http.StatusInternalServerError
	}
	c.Response().Header().Set(echo.HeaderContentType, MIMEProblemJSON)
	return c.JSON(problem.Status, problem)
}
