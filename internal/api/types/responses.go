package types

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *Meta       `json:"meta,omitempty"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Meta struct {
	RequestID string `json:"request_id,omitempty"`
	Skip      int    `json:"skip,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Total     int64  `json:"total"`
}

// CurrentDeployment is the body of GET .../deployments/current.
type CurrentDeployment struct {
	ProjectID           string `json:"project_id"`
	CurrentDeploymentID int64  `json:"current_deployment_id"`
}
