package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
)

const maxRequestBodyBytes = 1 << 20

var validate = validator.New()

// errorResponse is the wire shape of every error the API returns.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("failed to encode response", "error", err.Error())
	}
}

// writeError maps typed errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := errors.GetCode(err)
	status := http.StatusInternalServerError
	switch {
	case errors.IsNotFound(err):
		status = http.StatusNotFound
	case errors.IsValidation(err):
		status = http.StatusBadRequest
	case errors.IsCapacity(err):
		status = http.StatusTooManyRequests
	case code == errors.CodeAlreadyRuns:
		status = http.StatusConflict
	case code == errors.CodeShuttingDown:
		status = http.StatusServiceUnavailable
	case code == errors.CodeTimeout:
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(code)})
}

// parseJSON decodes and validates a request body into dest.
func parseJSON(r *http.Request, dest interface{}) error {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return errors.NewValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	if err := validate.Struct(dest); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok && len(fieldErrs) > 0 {
			first := fieldErrs[0]
			return errors.NewFieldValidationError(first.Field(),
				fmt.Sprintf("failed %q constraint", first.Tag()))
		}
		return errors.NewValidationError(err.Error())
	}
	return nil
}

// pathUUID extracts the {id} route variable as a UUID.
func pathUUID(r *http.Request) (uuid.UUID, error) {
	raw, ok := mux.Vars(r)["id"]
	if !ok {
		return uuid.Nil, errors.NewValidationError("missing id in path")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errors.NewFieldValidationError("id", "must be a valid UUID")
	}
	return id, nil
}
