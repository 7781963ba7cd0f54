// Package models holds the gorm row shapes of the session store.
package models

import "time"

// SessionModel is one persisted session: identity, the serialized state
// snapshot, and activity timestamps. History rows live in
// InteractionModel.
type SessionModel struct {
	ID           string `gorm:"primaryKey;size:128"`
	Agent        string `gorm:"size:32"`
	State        string `gorm:"type:text"`
	CreatedAt    time.Time
	LastActiveAt time.Time `gorm:"index"`
}

func (SessionModel) TableName() string { return "sessions" }

// InteractionModel is one request/reply record of a session's history.
type InteractionModel struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	SessionID   string `gorm:"index;size:128"`
	Prompt      string `gorm:"type:text"`
	Handler     string `gorm:"size:16"`
	Backend     string `gorm:"size:64"`
	Model       string `gorm:"size:128"`
	Project     string `gorm:"size:128"`
	Params      string `gorm:"type:text"`
	Response    string `gorm:"type:text"`
	TotalTokens int
	Timestamp   time.Time
}

func (InteractionModel) TableName() string { return "session_interactions" }
