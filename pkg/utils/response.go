package utils

import (
	"encoding/json"
	"net/http"

	"github.com/zjoart/go-estate-crowdfund/pkg/logger"
)

type ErrorResponse struct {
	Status  string      `json:"status"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

type SuccessResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func BuildErrorResponse(w http.ResponseWriter, status int, message string, details interface{}) {
	writeJSON(w, status, ErrorResponse{Status: "error", Error: message, Details: details})
}

func BuildSuccessResponse(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, SuccessResponse{Status: "success", Message: message, Data: data})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to write response", logger.WithError(err))
	}
}
