package api

// HealthResponse is returned by the health and readiness endpoints.
type HealthResponse struct {
	// Status is "ok" or "ready".
	Status string `json:"status"`
	// Kinds lists the VCS kinds this store serves.
	Kinds []string `json:"kinds,omitempty"`
}

// RepositoryListResponse lists the codebases a store holds repositories for.
type RepositoryListResponse struct {
	Repositories []string `json:"repositories"`
}
