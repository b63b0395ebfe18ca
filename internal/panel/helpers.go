package panel

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rendis/autoflow/pkg/schema"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeMessage writes a JSON error response with a plain message.
func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": msg}})
}

// writeError maps err to a status code. Structured errors are returned
// as-is so callers can branch on the code.
func writeError(w http.ResponseWriter, err error) {
	var se *schema.Error
	if !errors.As(err, &se) {
		writeMessage(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, statusFor(se.Code), map[string]any{"error": se})
}

func statusFor(code string) int {
	switch code {
	case schema.ErrCodeValidation:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeConfiguration, schema.ErrCodeCycleDetected:
		return http.StatusUnprocessableEntity
	case schema.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody decodes a JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid JSON: %v", err).WithCause(err)
	}
	return nil
}

// queryInt extracts an integer query param with a default value.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// queryBool reports whether a query param is set to a true value.
func queryBool(r *http.Request, key string) bool {
	b, _ := strconv.ParseBool(r.URL.Query().Get(key))
	return b
}

// asOf reads the as_of query param (RFC 3339), defaulting to now.
func (s *Server) asOf(r *http.Request) (time.Time, error) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return s.deps.Now().UTC(), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("as_of: %v", err)).WithCause(err)
	}
	return t, nil
}
