package metrics

import "strconv"

const (
	ErrorResponsesTotal = "datahub_error_responses_total"
	PanicsTotal         = "datahub_panics_total"
)

// RecordErrorResponse counts one error envelope written to a client. route
// should be a route pattern, never a raw path.
func RecordErrorResponse(code string, httpStatus int, route string) {
	if route == "" {
		route = "/unknown"
	}
	count(ErrorResponsesTotal, labels{
		"error_code":  code,
		"http_status": strconv.Itoa(httpStatus),
		"route":       route,
	})
}

// RecordPanic counts a recovered handler panic.
func RecordPanic() {
	count(PanicsTotal, nil)
}
