package internal

import (
	"expvar"
	"net/http"
)

var (
	requestsTotal = expvar.NewMap("gitagent_requests_total")
	dispatchTotal = expvar.NewMap("gitagent_dispatch_total")
	publishErrors = expvar.NewMap("gitagent_publish_errors_total")
)

// IncRequest counts a webhook request by its response outcome.
func IncRequest(outcome string) {
	requestsTotal.Add(outcome, 1)
}

// IncDispatch counts a dispatch by its report outcome.
func IncDispatch(outcome string) {
	dispatchTotal.Add(outcome, 1)
}

func IncPublishError(driver string) {
	publishErrors.Add(driver, 1)
}

// MetricsHandler serves all expvar variables as JSON.
func MetricsHandler() http.Handler {
	return expvar.Handler()
}
