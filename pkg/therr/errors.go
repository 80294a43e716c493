// Package therr defines the typed error taxonomy and its JSON envelope.
package therr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Error codes. UPPER_SNAKE, stable across releases.
const (
	CodeAPIUnreachable   = "API_UNREACHABLE"
	CodeAPITimeout       = "API_TIMEOUT"
	CodeAPIServerError   = "API_SERVER_ERROR"
	CodeAPIAuthFailed    = "API_AUTH_FAILED"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeAPIRateLimited   = "API_RATE_LIMITED"
	CodeContextTooLong   = "LLM_CONTEXT_TOO_LONG"
	CodeGenerationFailed = "LLM_GENERATION_FAILED"
	CodeValidationError  = "VALIDATION_ERROR"
	CodeRateLimited      = "RATE_LIMITED"
	CodeHTTPError        = "HTTP_ERROR"
	CodeUnknown          = "UNKNOWN_ERROR"
)

// TheresError is the core recoverable-error type. Recoverable means
// the user can fix the situation and retry (bad input, missing key).
type TheresError struct {
	Code        string         `json:"code"`
	Message     string         `json:"message"`
	Recoverable bool           `json:"recoverable,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
	cause       error
}

func (e *TheresError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *TheresError) Unwrap() error { return e.cause }

// New builds a TheresError with no cause.
func New(code, message string) *TheresError {
	return &TheresError{Code: code, Message: message}
}

// Wrap attaches a cause while keeping the user-facing message clean.
func Wrap(code, message string, cause error) *TheresError {
	return &TheresError{Code: code, Message: message, cause: cause}
}

// Recoverable marks an error the user can resolve themselves.
func Recoverable(code, message string) *TheresError {
	return &TheresError{Code: code, Message: message, Recoverable: true}
}

// WithDetails adds structured context to the envelope.
func (e *TheresError) WithDetails(details map[string]any) *TheresError {
	e.Details = details
	return e
}

// As extracts a TheresError from an error chain, or nil.
func As(err error) *TheresError {
	var te *TheresError
	if errors.As(err, &te) {
		return te
	}
	return nil
}

// HTTPStatus maps a code to the response status.
func HTTPStatus(err error) int {
	te := As(err)
	if te == nil {
		return 500
	}
	switch te.Code {
	case CodeUnauthorized, CodeAPIAuthFailed:
		return 401
	case CodeHTTPError:
		return 404
	case CodeValidationError:
		return 422
	case CodeRateLimited, CodeAPIRateLimited:
		return 429
	case CodeUnknown:
		return 500
	default:
		if te.Recoverable {
			return 400
		}
		return 500
	}
}

// Classify maps raw transport and provider errors onto the taxonomy.
// Pattern matching on the message is deliberate: providers disagree on
// status codes but converge on phrasing.
func Classify(err error) *TheresError {
	if err == nil {
		return nil
	}
	if te := As(err); te != nil {
		return te
	}
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, context.DeadlineExceeded) || strings.Contains(msg, "timeout"):
		return Wrap(CodeAPITimeout, "Le service IA n'a pas repondu a temps.", err)
	case strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") || strings.Contains(msg, "unreachable"):
		return Wrap(CodeAPIUnreachable, "Impossible de joindre le service IA.", err)
	case strings.Contains(msg, "context length") || strings.Contains(msg, "context_length") || strings.Contains(msg, "too many tokens"):
		return Wrap(CodeContextTooLong, "La conversation est trop longue pour le modele.", err)
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return Wrap(CodeAPIRateLimited, "Limite de requetes atteinte. Patientez un instant.", err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "401"):
		return Wrap(CodeAPIAuthFailed, "Cle API invalide ou expiree.", err)
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") || strings.Contains(msg, "503"):
		return Wrap(CodeAPIServerError, "Le service IA rencontre un probleme.", err)
	default:
		return Wrap(CodeGenerationFailed, "La generation a echoue.", err)
	}
}

// ServiceHealth tracks per-dependency availability for /health/services.
type ServiceHealth struct {
	mu       sync.RWMutex
	services map[string]ServiceStatus
}

// ServiceStatus describes one dependency.
type ServiceStatus struct {
	Available bool   `json:"available"`
	Critical  bool   `json:"critical"`
	Fallback  string `json:"fallback,omitempty"`
}

func NewServiceHealth() *ServiceHealth {
	return &ServiceHealth{services: make(map[string]ServiceStatus)}
}

// Declare registers a dependency as available.
func (h *ServiceHealth) Declare(name string, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.services[name] = ServiceStatus{Available: true, Critical: critical}
}

// SetAvailable flips one dependency's availability flag.
func (h *ServiceHealth) SetAvailable(name string, available bool, fallback string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.services[name]
	s.Available = available
	s.Fallback = fallback
	h.services[name] = s
}

// Snapshot copies the current state for reporting.
func (h *ServiceHealth) Snapshot() map[string]ServiceStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(h.services))
	for k, v := range h.services {
		out[k] = v
	}
	return out
}

// WithGracefulDegradation runs primary; on failure it tries fallback,
// then falls back to the default value. The health flag for service is
// updated either way so /health/services reflects reality.
func WithGracefulDegradation[T any](ctx context.Context, health *ServiceHealth, service string, primary func(context.Context) (T, error), fallback func(context.Context) (T, error), defaultValue T) (T, error) {
	result, err := primary(ctx)
	if err == nil {
		if health != nil {
			health.SetAvailable(service, true, "")
		}
		return result, nil
	}

	if fallback != nil {
		if fbResult, fbErr := fallback(ctx); fbErr == nil {
			if health != nil {
				health.SetAvailable(service, false, "mode degrade actif")
			}
			return fbResult, nil
		}
	}

	if health != nil {
		health.SetAvailable(service, false, "valeur par defaut utilisee")
	}
	return defaultValue, nil
}
