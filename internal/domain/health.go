package domain

// ============================================================
// Health & Metrics API Responses
// ============================================================

// HealthStatus is returned by GET /healthz.
type HealthStatus struct {
	Status   string          `json:"status"` // healthy, degraded, unhealthy
	Services []ServiceHealth `json:"services"`
}

// ServiceHealth represents the health of an individual dependency.
type ServiceHealth struct {
	Name        string `json:"name"`
	Status      string `json:"status"`
	LatencyMs   int64  `json:"latencyMs"`
	LastChecked string `json:"lastChecked"`
}

// PipelineMetrics is returned by GET /v1/metrics/pipeline.
type PipelineMetrics struct {
	TranscriptsReceived float64 `json:"transcriptsReceived"`
	TranscriptsRecorded float64 `json:"transcriptsRecorded"`
	TranscriptsDropped  float64 `json:"transcriptsDropped"`
	Duplicates          float64 `json:"duplicates"`
	StoreWriteFailures  float64 `json:"storeWriteFailures"`
	GoalsAchieved       float64 `json:"goalsAchieved"`
	RecognizerErrors    float64 `json:"recognizerErrors"`
	CacheHitRate        float64 `json:"cacheHitRate"`
	ActiveSessions      float64 `json:"activeSessions"`
}

// ============================================================
// Generic API Response wrappers
// ============================================================

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Data  []T `json:"data"`
	Total int `json:"total"`
}

// SuccessResponse wraps a successful single-entity response.
type SuccessResponse struct {
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}
