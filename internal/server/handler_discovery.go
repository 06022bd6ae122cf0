package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "gomh API",
		Version:     "v1",
		Description: "gomh dispatcher: DAG executions handed out to polling processors",
		Endpoints: []endpointInfo{
			{"/api/v1/processors", []string{"GET", "POST"}, "List or register processors"},
			{"/api/v1/processors/{pid}", []string{"DELETE"}, "Deregister a processor and reclaim its tasks"},
			{"/api/v1/processors/{pid}/heartbeat", []string{"PUT"}, "Processor keep-alive"},
			{"/api/v1/processors/{pid}/reclaim", []string{"POST"}, "Reclaim every task held by a processor"},
			{"/api/v1/processors/{pid}/cores/{cid}/task", []string{"GET"}, "Poll for a task (204 when there is none)"},
			{"/api/v1/processors/{pid}/cores/{cid}/tasks/{tid}/result", []string{"PUT"}, "Report a task outcome"},
			{"/api/v1/executions", []string{"GET", "POST"}, "List or start executions. GET accepts ?archived=true"},
			{"/api/v1/executions/{id}", []string{"GET"}, "Execution status with per-task states"},
			{"/api/v1/executions/{id}/graph", []string{"GET"}, "Execution graph as DOT"},
			{"/api/v1/executions/{id}/tasks/{tid}/reset", []string{"PUT"}, "Run a task and its descendants again"},
			{"/api/v1/sse/executions/{id}", []string{"GET"}, "Stream execution status changes"},
			{"/api/v1/assets/{code}", []string{"GET"}, "Asset files for processors"},
			{"/api/v1/health", []string{"GET"}, "Server health and version"},
		},
	})
}
