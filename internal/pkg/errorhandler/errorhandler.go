package errorhandler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/mwork/credit-ledger/internal/pkg/logger"
	"github.com/mwork/credit-ledger/internal/pkg/response"
)

// HandleError logs err with the request-scoped logger and sends a formatted error response
func HandleError(ctx context.Context, w http.ResponseWriter, status int, code, message string, err error) {
	event := logger.FromContext(ctx).Error().
		Str("error_code", code).
		Int("status_code", status)
	if err != nil {
		event = event.Err(err)
	}
	event.Msg(message)

	if status == http.StatusServiceUnavailable {
		response.RetryLater(w)
		return
	}
	response.Error(w, status, code, message)
}

// HandlePanicError logs a recovered panic. The stack stays in the logs and is
// never sent to the client.
func HandlePanicError(ctx context.Context, w http.ResponseWriter, panicErr interface{}, stackTrace string) {
	logger.FromContext(ctx).Error().
		Interface("panic_error", panicErr).
		Str("panic_stack", stackTrace).
		Msg("Request panic error")

	response.InternalError(w)
}

// LogValidationError logs validation errors with details
func LogValidationError(ctx context.Context, fieldErrors map[string]string) {
	errJSON, _ := json.Marshal(fieldErrors)
	logger.FromContext(ctx).Warn().
		RawJSON("validation_errors", errJSON).
		Msg("Validation error")
}
