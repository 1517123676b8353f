// Package models defines the persisted chat entities and shared error types.
package models

import (
	"time"
)

// Restriction kinds carried by MuteRecord.Kind and tracker results.
const (
	KindMute  = "mute"
	KindBlock = "block"
)

// MutedBySystem marks records written by automatic escalation.
const MutedBySystem = "system"

// ChatMessage is a single accepted chat line.
type ChatMessage struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	SenderAddress string    `gorm:"size:42;index;not null" json:"senderAddress"`
	DisplayName   string    `gorm:"size:128" json:"displayName"`
	Text          string    `gorm:"type:text;not null" json:"text"`
	IsAdmin       bool      `gorm:"not null" json:"isAdmin"`
	IsDeleted     bool      `gorm:"index;not null" json:"isDeleted"`
	BidLevel      int       `gorm:"not null" json:"bidLevel"`
	CreatedAt     time.Time `gorm:"index;not null" json:"createdAt"`
}

// MuteRecord is the durable, cross-instance restriction for a sender.
type MuteRecord struct {
	SenderAddress string    `gorm:"primaryKey;size:42" json:"senderAddress"`
	MutedUntil    time.Time `gorm:"index;not null" json:"mutedUntil"`
	MutedBy       string    `gorm:"size:64;not null" json:"mutedBy"`
	Reason        string    `gorm:"size:256" json:"reason"`
	Kind          string    `gorm:"size:16;not null" json:"kind"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Active reports whether the record still restricts its sender at now.
func (m *MuteRecord) Active(now time.Time) bool {
	return m != nil && now.Before(m.MutedUntil)
}

// Remaining returns the time left on the record, zero once expired.
func (m *MuteRecord) Remaining(now time.Time) time.Duration {
	if !m.Active(now) {
		return 0
	}
	return m.MutedUntil.Sub(now)
}

// IsBlock reports whether the record is an escalation block rather than a mute.
func (m *MuteRecord) IsBlock() bool {
	return m != nil && m.Kind == KindBlock
}
