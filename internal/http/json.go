package httpx

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	apperrors "github.com/threat-thinker/ttserve/internal/errors"
)

// MsgBodyTooLarge is returned when a request body exceeds the configured limit.
const MsgBodyTooLarge = "Request body exceeds configured limit."

func decodeJSONBody(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if isBodyTooLarge(err) {
			return apperrors.PayloadTooLarge(MsgBodyTooLarge)
		}
		return apperrors.Validation(fmt.Sprintf("Invalid JSON payload: %v", err))
	}
	return nil
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// WriteJSON writes a JSON response with the given status code and data.
func WriteJSON(w http.ResponseWriter, code int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := buf.WriteTo(w); err != nil {
		// Response writer errors (e.g., client disconnect) can't be recovered from here.
		return
	}
}

// ErrorParams groups parameters for WriteError.
type ErrorParams struct {
	Code    int
	ErrCode string
	Err     error
}

// WriteError writes a JSON error response using ErrorParams.
func WriteError(w http.ResponseWriter, p ErrorParams) {
	WriteJSON(w, p.Code, map[string]string{"error": p.ErrCode, "message": p.Err.Error()})
}

// WriteAppError renders err as the error envelope. Only the AppError message
// reaches the client; causes and non-AppErrors collapse to a generic 500.
func WriteAppError(w http.ResponseWriter, err error) {
	WriteError(w, errorParamsFor(err))
}

func errorParamsFor(err error) ErrorParams {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return ErrorParams{
			Code:    http.StatusInternalServerError,
			ErrCode: errorCodeName(apperrors.ErrCodeInternal),
			Err:     errors.New("Internal server error."),
		}
	}
	return ErrorParams{
		Code:    appErr.Code.HTTPStatus(),
		ErrCode: errorCodeName(appErr.Code),
		Err:     errors.New(appErr.Message),
	}
}

func errorCodeName(code apperrors.ErrorCode) string {
	return strings.ToLower(string(code))
}
