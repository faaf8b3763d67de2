package models

import (
	"encoding/json"
	"time"
)

// Channel is a broadcast service
type Channel struct {
	ID        string    `json:"id" db:"id" validate:"required"`
	MediaType MediaType `json:"media_type" db:"media_type" validate:"omitempty,oneof=audio video"`
}

// WorkUnit is one channel-day of schedule to fetch and sync. A unit without a channel is a
// discovery pass started on Day.
type WorkUnit struct {
	Channel Channel   `json:"channel"`
	Day     time.Time `json:"day"`
}

func (u WorkUnit) String() string {
	channel := u.Channel.ID
	if channel == "" {
		channel = "available"
	}
	return channel + "@" + u.Day.UTC().Format(time.DateOnly)
}

// Progress counts processed and failed events. It only ever grows.
type Progress struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

func (p Progress) Add(other Progress) Progress {
	return Progress{
		Processed: p.Processed + other.Processed,
		Failed:    p.Failed + other.Failed,
	}
}

func (p Progress) Total() int {
	return p.Processed + p.Failed
}

// BroadcastEvent is one schedule entry referencing the item it broadcasts
type BroadcastEvent struct {
	ItemRef   ExternalRef     `json:"item_ref"`
	Broadcast Broadcast       `json:"broadcast"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Written is the outcome of a successfully handled event
type Written struct {
	Item      *Item     `json:"item"`
	Broadcast Broadcast `json:"broadcast"`
}

// ScheduleEntry is a row of the schedule table
type ScheduleEntry struct {
	ChannelID         string    `db:"channel_id" json:"channel_id"`
	Day               time.Time `db:"day" json:"day"`
	BroadcastID       string    `db:"broadcast_id" json:"broadcast_id"`
	ItemKey           EntityKey `db:"item_key" json:"item_key"`
	VersionID         string    `db:"version_id" json:"version_id"`
	TransmissionStart time.Time `db:"transmission_start" json:"transmission_start"`
	TransmissionEnd   time.Time `db:"transmission_end" json:"transmission_end"`
	UpdatedAt         time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (ScheduleEntry) TableName() string {
	return "schedule_entries"
}

// SchedulePage is one page of a channel-day schedule
type SchedulePage struct {
	Events  []BroadcastEvent `json:"events"`
	Page    int              `json:"page"`
	Total   int              `json:"total"`
	HasNext bool             `json:"has_next"`
}

// ItemPage is one page of a programmes discovery query
type ItemPage struct {
	Items   []Envelope[*Item] `json:"items"`
	Page    int               `json:"page"`
	Total   int               `json:"total"`
	HasNext bool              `json:"has_next"`
}
