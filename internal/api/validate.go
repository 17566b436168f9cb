package api

import (
	"fmt"
	"time"
)

const (
	maxServiceIDLen = 128
	maxLatencyMS    = 300000
	maxPayloadKB    = 1048576
	// accepted clock skew between the reported sample time and server time
	timestampTolerance = time.Hour
)

type validationError struct {
	Field  string
	Reason string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func invalid(field, reason string) *validationError {
	return &validationError{Field: field, Reason: reason}
}

func validateServiceID(id string) *validationError {
	if id == "" {
		return invalid("service_id", "must not be empty")
	}
	if len(id) > maxServiceIDLen {
		return invalid("service_id", fmt.Sprintf("must be at most %d characters", maxServiceIDLen))
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == '-':
		default:
			return invalid("service_id", "must contain only letters, digits, '.', '_' and '-'")
		}
	}
	return nil
}

func validateTelemetry(req *telemetryRequest, now time.Time) *validationError {
	if err := validateServiceID(req.ServiceID); err != nil {
		return err
	}
	if req.LatencyMS == nil {
		return invalid("latency_ms", "is required")
	}
	if *req.LatencyMS < 0 || *req.LatencyMS > maxLatencyMS {
		return invalid("latency_ms", fmt.Sprintf("must be between 0 and %d", maxLatencyMS))
	}
	if req.PayloadKB == nil {
		return invalid("payload_kb", "is required")
	}
	if *req.PayloadKB < 0 || *req.PayloadKB > maxPayloadKB {
		return invalid("payload_kb", fmt.Sprintf("must be between 0 and %d", maxPayloadKB))
	}
	if req.Timestamp != nil {
		delta := now.Sub(*req.Timestamp)
		if delta > timestampTolerance || delta < -timestampTolerance {
			return invalid("timestamp", "must be within one hour of server time")
		}
	}
	return nil
}
