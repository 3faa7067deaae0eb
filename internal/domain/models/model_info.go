package models

import "time"

// ModelPool is the role category of a model.
type ModelPool string

const (
	PoolText      ModelPool = "text"
	PoolEmbedding ModelPool = "embedding"
)

// ModelInfo is one entry in the model catalog. Owned exclusively by the
// registry and written only through its CRUD operations.
type ModelInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Pool        ModelPool `json:"pool"`
	Path        string    `json:"path"`
	SizeBytes   int64     `json:"size_bytes"`
	Source      string    `json:"source"`
	RepoID      string    `json:"repo_id,omitempty"`
	Revision    string    `json:"revision,omitempty"`
	SHA256      string    `json:"sha256,omitempty"`
	Active      bool      `json:"active"`
	AddedAt     time.Time `json:"added_at"`
}

// ModelConfig carries per-model runner settings.
type ModelConfig struct {
	ContextSize   int     `json:"context_size,omitempty"`
	GPULayers     int     `json:"gpu_layers,omitempty"`
	Temperature   float64 `json:"temperature,omitempty"`
	TopP          float64 `json:"top_p,omitempty"`
	TopK          int     `json:"top_k,omitempty"`
	RepeatPenalty float64 `json:"repeat_penalty,omitempty"`
	PortHint      int     `json:"port_hint,omitempty"`
	Embedding     bool    `json:"embedding,omitempty"`
}

// RunnerStatus reports the state of one backend process.
type RunnerStatus struct {
	IsRunning bool   `json:"is_running"`
	Port      int    `json:"port,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DownloadJobStatus enumerates the lifecycle of a model download.
type DownloadJobStatus string

const (
	JobPending   DownloadJobStatus = "pending"
	JobRunning   DownloadJobStatus = "running"
	JobPaused    DownloadJobStatus = "paused"
	JobCompleted DownloadJobStatus = "completed"
	JobFailed    DownloadJobStatus = "failed"
	JobCancelled DownloadJobStatus = "cancelled"
)

// DownloadJob is the persisted state of a model file download.
type DownloadJob struct {
	JobID           string            `json:"job_id"`
	Status          DownloadJobStatus `json:"status"`
	TargetURL       string            `json:"target_url"`
	TargetPath      string            `json:"target_path"`
	PartialPath     string            `json:"partial_path"`
	TotalBytes      int64             `json:"total_bytes"`
	DownloadedBytes int64             `json:"downloaded_bytes"`
	Error           string            `json:"error,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}
