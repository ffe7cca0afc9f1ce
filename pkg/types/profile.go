package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ProfileStatus is the lifecycle state of a device profile
type ProfileStatus string

const (
	ProfileActive    ProfileStatus = "active"
	ProfileInactive  ProfileStatus = "inactive"
	ProfileRunning   ProfileStatus = "running"
	ProfileSuspended ProfileStatus = "suspended"
)

// Metadata keys owned by the engine
const (
	MetaExecutionHistory = "executionHistory"
	MetaLastExecution    = "lastExecution"
	MetaAccounts         = "accounts"
)

// Profile is a logical device identity bound to one emulator instance
type Profile struct {
	ID           int            `json:"id"`
	Name         string         `json:"name"`
	InstanceName string         `json:"instanceName"`
	Port         int            `json:"port"`
	Status       ProfileStatus  `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// ProfileUpdate is a partial update. Nil fields are left untouched and
// Metadata keys are merged into the existing metadata.
type ProfileUpdate struct {
	Port     *int           `json:"port,omitempty"`
	Status   *ProfileStatus `json:"status,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Apply merges the update into p
func (u ProfileUpdate) Apply(p *Profile) {
	if u.Port != nil {
		p.Port = *u.Port
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if len(u.Metadata) > 0 {
		if p.Metadata == nil {
			p.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			p.Metadata[k] = v
		}
	}
}

// Clone returns a copy of the profile whose metadata map can be mutated freely
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	if p.Metadata != nil {
		c.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Account is a stored credential set for one platform
type Account struct {
	Platform string         `json:"platform"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Email    string         `json:"email,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Accounts decodes metadata.accounts. Metadata is free-form, so the value may be
// typed or the generic shape produced by a JSON round trip.
func (p *Profile) Accounts() []Account {
	if p == nil || p.Metadata == nil {
		return nil
	}
	var accounts []Account
	if !decodeMeta(p.Metadata[MetaAccounts], &accounts) {
		return nil
	}
	return accounts
}

// Account returns the first account for platform (case insensitive), or nil
func (p *Profile) Account(platform string) *Account {
	for _, acc := range p.Accounts() {
		if strings.EqualFold(acc.Platform, platform) {
			a := acc
			return &a
		}
	}
	return nil
}

// ExecutionHistory decodes metadata.executionHistory, newest first
func (p *Profile) ExecutionHistory() []ExecutionRecord {
	if p == nil || p.Metadata == nil {
		return nil
	}
	var records []ExecutionRecord
	if !decodeMeta(p.Metadata[MetaExecutionHistory], &records) {
		return nil
	}
	return records
}

func decodeMeta(v any, out any) bool {
	if v == nil {
		return false
	}
	switch typed := v.(type) {
	case []ExecutionRecord:
		if dst, ok := out.(*[]ExecutionRecord); ok {
			*dst = append([]ExecutionRecord(nil), typed...)
			return true
		}
	case []Account:
		if dst, ok := out.(*[]Account); ok {
			*dst = append([]Account(nil), typed...)
			return true
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}
