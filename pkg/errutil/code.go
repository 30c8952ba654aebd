package errutil

import "net/http"

// CoreStatus is a transport-agnostic error classification. Services attach a
// CoreStatus to every failure they surface; the HTTP layer maps it to a
// response code at the edge.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "bad_request"
	StatusValidationFailed    CoreStatus = "validation_failed"
	StatusUnauthorized        CoreStatus = "unauthorized"
	StatusForbidden           CoreStatus = "forbidden"
	StatusNotFound            CoreStatus = "not_found"
	StatusConflict            CoreStatus = "conflict"
	StatusTimeout             CoreStatus = "timeout"
	StatusTooManyRequests     CoreStatus = "too_many_requests"
	StatusUnprocessableEntity CoreStatus = "unprocessable_entity"
	StatusInternal            CoreStatus = "internal"
	StatusNotImplemented      CoreStatus = "not_implemented"
	StatusBadGateway          CoreStatus = "bad_gateway"
	StatusUnknown             CoreStatus = "unknown"

	// Execution-engine classifications.
	StatusDeliveryExhausted        CoreStatus = "delivery_exhausted"
	StatusExecutionTimeout         CoreStatus = "execution_timeout"
	StatusIntegrationRefreshFailed CoreStatus = "integration_refresh_failed"
	StatusInvalidSchedule          CoreStatus = "invalid_schedule"
)

func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed, StatusInvalidSchedule:
		return http.StatusBadRequest
	case StatusUnauthorized:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict:
		return http.StatusConflict
	case StatusTimeout, StatusExecutionTimeout:
		return http.StatusGatewayTimeout
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway, StatusDeliveryExhausted, StatusIntegrationRefreshFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
