package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"swapbank/native/bank"
	"swapbank/native/custody"
)

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

func errorStatus(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, bank.ErrZeroAmount),
		errors.Is(err, bank.ErrUnsupportedAsset),
		errors.Is(err, bank.ErrDepositBelowMinimum),
		errors.Is(err, bank.ErrDepositAboveMaximum),
		errors.Is(err, bank.ErrInvalidAsset),
		errors.Is(err, custody.ErrInvalidAmount),
		errors.Is(err, custody.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, bank.ErrInsufficientBalance),
		errors.Is(err, bank.ErrBankCapExceeded),
		errors.Is(err, bank.ErrExceedsWithdrawalLimit),
		errors.Is(err, bank.ErrAssetExists):
		return http.StatusConflict
	case errors.Is(err, bank.ErrStaleQuote),
		errors.Is(err, bank.ErrInvalidQuote),
		errors.Is(err, ErrSequencerClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bank.ErrInsufficientOutput),
		errors.Is(err, bank.ErrExchangeFailure),
		errors.Is(err, bank.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, bank.ErrReentrantCall):
		return http.StatusLocked
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func traceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	spanCtx := trace.SpanContextFromContext(ctx)
	if !spanCtx.IsValid() {
		return ""
	}
	return spanCtx.TraceID().String()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, errorResponse{Error: message, TraceID: traceIDFromContext(r.Context())})
}

// writeFailure maps err to a status and reason label. Internal failures are
// not echoed to the caller.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) int {
	status := errorStatus(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	reason := ""
	if !errors.Is(err, errBadRequest) {
		reason = bank.ErrorReason(err)
	}
	writeJSON(w, status, errorResponse{Error: message, Reason: reason, TraceID: traceIDFromContext(r.Context())})
	return status
}
