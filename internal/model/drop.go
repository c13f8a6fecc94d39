// Package model contains the records shared by the store adapters, the drop
// lifecycle and the HTTP layer.
package model

import (
	"time"
)

// DropStatus describes where a drop is in its lifecycle. Statuses only move
// forward in the order declared below.
type DropStatus string

const (
	StatusUploading DropStatus = "uploading"
	StatusReady     DropStatus = "ready"
	StatusBurning   DropStatus = "burning"
	StatusDeleted   DropStatus = "deleted"
)

var statusRank = map[DropStatus]int{
	StatusUploading: 0,
	StatusReady:     1,
	StatusBurning:   2,
	StatusDeleted:   3,
}

// Valid reports whether s is one of the known statuses.
func (s DropStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s precedes other in the lifecycle.
func (s DropStatus) Before(other DropStatus) bool {
	return statusRank[s] < statusRank[other]
}

// Chunk is one ciphertext segment recorded at upload-intent time, before the
// object itself exists.
type Chunk struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
	Hash string `json:"hash"`
}

// IndexEntry is one row of the optional server-visible manifest index.
type IndexEntry struct {
	Key  string `json:"key"`
	Size int64  `json:"size"`
}

// Drop is the single record describing one dead-drop.
type Drop struct {
	ID              string       `json:"drop_id"`
	Status          DropStatus   `json:"status"`
	CreatedAt       int64        `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	TTLEpoch        int64        `json:"ttl_epoch,omitempty"`
	CreatorID       string       `json:"creator_id,omitempty"`
	Size            int64        `json:"size,omitempty"`
	ManifestKey     string       `json:"manifest_s3_key,omitempty"`
	ManifestIndex   []IndexEntry `json:"manifest_index,omitempty"`
	Chunks          []Chunk      `json:"chunks"`
	ShortCode       string       `json:"short_code,omitempty"`
	ShortCodeNorm   string       `json:"short_code_norm,omitempty"`
	ReaderTokenHash string       `json:"-"`
	ReaderTokenSalt string       `json:"-"`
	WriterTokenHash string       `json:"-"`
	WriterTokenSalt string       `json:"-"`
	ReadCount       int64        `json:"read_count"`
	FailureCount    int64        `json:"failure_count"`
}

// Clone returns a deep copy so callers never share slices with a store.
func (d *Drop) Clone() *Drop {
	if d == nil {
		return nil
	}
	out := *d
	if d.Chunks != nil {
		out.Chunks = append([]Chunk(nil), d.Chunks...)
	}
	if d.ManifestIndex != nil {
		out.ManifestIndex = append([]IndexEntry(nil), d.ManifestIndex...)
	}
	return &out
}

// Attempt is an append-only record of one pickup attempt.
type Attempt struct {
	DropID     string    `json:"drop_id"`
	AttemptID  string    `json:"attempt_id"`
	Result     string    `json:"result"`
	ClientTime int64     `json:"client_time"`
	UserAgent  string    `json:"user_agent_redacted,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}
