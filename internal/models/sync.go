package models

// SyncState is persisted under the syncState key.
type SyncState struct {
	LastFullSync int64 `json:"last_full_sync"` // unix micro, 0 = never
	Online       bool  `json:"online"`
}

type QueueStats struct {
	PendingChanges int   `json:"pending_changes"`
	SyncedChanges  int   `json:"synced_changes"`
	QueuedMessages int   `json:"queued_messages"`
	LastFullSync   int64 `json:"last_full_sync"`
	Online         bool  `json:"online"`
	SyncInProgress bool  `json:"sync_in_progress"`
}

// SyncResult summarises one reconciliation pass.
type SyncResult struct {
	Ran            bool `json:"ran"`
	Synced         int  `json:"synced"`
	Failed         int  `json:"failed"`
	Dropped        int  `json:"dropped"`
	MessagesSent   int  `json:"messages_sent"`
	MessagesFailed int  `json:"messages_failed"`
}
