// Package gateway exposes the broker to operators over local HTTP.
//
// Routes:
//
//	GET    /health                 liveness
//	GET    /status                 services, primary, stream state
//	GET    /requests               decisions, newest first (project, search, endpoint, expr filters)
//	GET    /projects               distinct project labels
//	GET    /requests/{id}          one decision with its countdown
//	PUT    /requests/{id}/body     edit the candidate response
//	POST   /requests/{id}/submit   deliver a custom or the default response
//	DELETE /requests/{id}          dismiss a completed decision
//	GET    /ws                     live feed of event, decision and status messages
//	GET    /metrics                Prometheus metrics
package gateway
