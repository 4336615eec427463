package models

import "time"

// Snapshot is an immutable, chained version record created once per committed event.
// ParentID always references the head that existed when the snapshot was created.
//
// CommitDegraded marks a commit identifier that was padded, truncated or derived
// because the commit step did not yield a usable one. Consumers must not resolve a
// degraded identifier against the history repository.
type Snapshot struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"projectId"`
	ParentID       string     `json:"parentId,omitempty"`
	CommitID       string     `json:"versionCommitId"`
	CommitDegraded bool       `json:"commitDegraded"`
	FileCount      int        `json:"fileCount"`
	TotalSize      int64      `json:"totalSize"`
	IsCritical     bool       `json:"isCritical"`
	Action         FileAction `json:"action"`
	Path           string     `json:"path"`
	Label          string     `json:"label,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}
