package generation

import (
	"errors"
	"net/http"
	"strings"

	openai "github.com/openai/openai-go"
	"google.golang.org/genai"
)

var rotationMarkers = []string{
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"rate limit",
	"rate_limit",
	"too many requests",
	"suspended",
	"permission denied",
	"permission_denied",
	"api key not valid",
	"api_key_invalid",
}

// IsRotationError reports whether err means the API key in use is
// exhausted, throttled or revoked, so another key should be tried.
func IsRotationError(err error) bool {
	if err == nil {
		return false
	}
	var gErr *genai.APIError
	if errors.As(err, &gErr) && rotationStatus(gErr.Code, gErr.Status) {
		return true
	}
	var oErr *openai.Error
	if errors.As(err, &oErr) && rotationStatus(oErr.StatusCode, "") {
		return true
	}
	var sErr *StatusError
	if errors.As(err, &sErr) && rotationStatus(sErr.Code, "") {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range rotationMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return strings.Contains(msg, "error 429") || strings.Contains(msg, "429 too many")
}

func rotationStatus(code int, status string) bool {
	switch code {
	case http.StatusTooManyRequests, http.StatusForbidden, http.StatusUnauthorized:
		return true
	}
	switch status {
	case "RESOURCE_EXHAUSTED", "PERMISSION_DENIED", "UNAUTHENTICATED":
		return true
	}
	return false
}
