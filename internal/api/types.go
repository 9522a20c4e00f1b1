// Package api holds the upstream data API: its wire types and a demo server.
package api

// DataResponse is the body of GET /api/data
type DataResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
	Data      Data   `json:"data"`
}

// Data is the payload carried by DataResponse
type Data struct {
	Items []string `json:"items"`
	Count int      `json:"count"`
}

// HealthResponse is the body of GET /api/health
type HealthResponse struct {
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	Environment string `json:"environment"`
}

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DisplayTimeLayout formats DataResponse timestamps
const DisplayTimeLayout = "02.01.2006, 15:04:05"
