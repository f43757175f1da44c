package router

import (
	"encoding/json"
	"net/http"
)

type errorBody struct {
	ErrCode string `json:"errcode"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, errcode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{ErrCode: errcode, Error: message})
}

func writeMissingToken(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token.")
}

func writeUnknownToken(w http.ResponseWriter) {
	writeError(w, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "Unrecognised access token.")
}

func writeNotJSON(w http.ResponseWriter, status int) {
	writeError(w, status, "M_NOT_JSON", "Request did not contain valid JSON.")
}

func writeRelayed(w http.ResponseWriter, status int, contentType string, body []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
