package observability

const (
	MUsecaseRequests         MetricKey = "usecase_requests_total"
	MUsecaseDuration         MetricKey = "usecase_duration_seconds"
	MHTTPRequests            MetricKey = "http_requests_total"
	MHTTPRequestDuration     MetricKey = "http_request_duration_seconds"
	MGatewayRequests         MetricKey = "gateway_requests_total"
	MGatewayRequestDuration  MetricKey = "gateway_request_duration_seconds"
	MReconciliationsRequired MetricKey = "payment_reconciliations_required_total"
	MRetriesScheduled        MetricKey = "payment_retries_scheduled_total"
)
