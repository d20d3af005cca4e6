package httpapi

import (
	"encoding/json"
	"net/http"

	"braindrive/pkg/types"
)

// writeJSONError writes a consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: msg, Code: status})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// resultStatus maps a lifecycle result code to an HTTP status.
func resultStatus(res types.Result) int {
	if res.Success {
		return http.StatusOK
	}
	switch res.Code {
	case "not_installed":
		return http.StatusNotFound
	case "already_installed":
		return http.StatusConflict
	case "incompatible":
		return http.StatusUnprocessableEntity
	case "invalid":
		return http.StatusBadRequest
	case "unavailable":
		return http.StatusPreconditionFailed
	default:
		return http.StatusInternalServerError
	}
}

// writeResult writes the {"success", ...} envelope with a mapped status.
func writeResult(w http.ResponseWriter, res types.Result) {
	if !res.Success {
		IncrementOperationFailure(res.Code)
	}
	writeJSON(w, resultStatus(res), res)
}
