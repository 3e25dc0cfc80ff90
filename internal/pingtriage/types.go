package pingtriage

import (
	"encoding/json"
	"sort"
)

const SchemaVersion = "1.0.0"

type Status string

const (
	StatusNew      Status = "new"
	StatusAnalyzed Status = "analyzed"
	StatusHandled  Status = "handled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAnalyzed, StatusHandled:
		return true
	}
	return false
}

type ThreadStatus string

const (
	ThreadActive  ThreadStatus = "active"
	ThreadHandled ThreadStatus = "handled"
	ThreadClosed  ThreadStatus = "closed"
)

func (s ThreadStatus) Valid() bool {
	switch s {
	case ThreadActive, ThreadHandled, ThreadClosed:
		return true
	}
	return false
}

// Ping is one observed inbound message. Empty ThreadID and LinearIssueID mean
// the ping has no thread and no linked issue.
type Ping struct {
	ID               string         `json:"id"`
	Platform         string         `json:"platform"`
	MessageID        string         `json:"message_id"`
	Timestamp        string         `json:"timestamp"`
	Author           string         `json:"author"`
	Content          string         `json:"content"`
	ThreadID         string         `json:"thread_id"`
	Status           Status         `json:"status"`
	Analysis         *Analysis      `json:"analysis"`
	LinearIssueID    string         `json:"linear_issue_id"`
	ResponseDetected bool           `json:"response_detected"`
	Metadata         map[string]any `json:"metadata"`
	CreatedAt        string         `json:"created_at"`
	UpdatedAt        string         `json:"updated_at"`
}

// NewPing carries the fetcher-supplied fields of a ping to insert.
type NewPing struct {
	Platform  string         `json:"platform"`
	MessageID string         `json:"message_id"`
	Timestamp string         `json:"timestamp"`
	Author    string         `json:"author"`
	Content   string         `json:"content"`
	ThreadID  string         `json:"thread_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type Thread struct {
	ID            string       `json:"id"`
	PingIDs       []string     `json:"ping_ids"`
	LinearIssueID string       `json:"linear_issue_id"`
	Status        ThreadStatus `json:"status"`
	CreatedAt     string       `json:"created_at"`
}

type CollectionMetadata struct {
	Version   string `json:"version"`
	CreatedAt string `json:"created_at"`
}

// Collection is the unit of persistence: it is always loaded and saved whole.
type Collection struct {
	Pings    map[string]*Ping   `json:"pings"`
	Threads  map[string]*Thread `json:"threads"`
	LastSync map[string]string  `json:"last_sync"`
	Metadata CollectionMetadata `json:"metadata"`
}

type Stats struct {
	TotalPings    int `json:"total_pings"`
	NewPings      int `json:"new_pings"`
	AnalyzedPings int `json:"analyzed_pings"`
	HandledPings  int `json:"handled_pings"`
	TotalThreads  int `json:"total_threads"`
}

// IssuePayload is the record handed to issue sync for one analyzed ping.
type IssuePayload struct {
	PingID   string         `json:"ping_id"`
	Platform string         `json:"platform"`
	Author   string         `json:"author"`
	Time     string         `json:"timestamp"`
	ThreadID string         `json:"thread_id"`
	Analysis *Analysis      `json:"analysis"`
	Metadata map[string]any `json:"metadata"`
}

func (p Ping) IssuePayload() IssuePayload {
	return IssuePayload{
		PingID:   p.ID,
		Platform: p.Platform,
		Author:   p.Author,
		Time:     p.Timestamp,
		ThreadID: p.ThreadID,
		Analysis: p.Analysis.clone(),
		Metadata: cloneMap(p.Metadata),
	}
}

func newCollection(createdAt string) *Collection {
	return &Collection{
		Pings:    map[string]*Ping{},
		Threads:  map[string]*Thread{},
		LastSync: map[string]string{},
		Metadata: CollectionMetadata{
			Version:   SchemaVersion,
			CreatedAt: createdAt,
		},
	}
}

// Clone returns a deep copy. Metadata and analysis extras are copied one level
// deep; the store never mutates their values in place.
func (c *Collection) Clone() *Collection {
	if c == nil {
		return nil
	}
	out := &Collection{
		Pings:    make(map[string]*Ping, len(c.Pings)),
		Threads:  make(map[string]*Thread, len(c.Threads)),
		LastSync: make(map[string]string, len(c.LastSync)),
		Metadata: c.Metadata,
	}
	for id, ping := range c.Pings {
		cp := ping.clone()
		out.Pings[id] = &cp
	}
	for id, thread := range c.Threads {
		cp := thread.clone()
		out.Threads[id] = &cp
	}
	for platform, ts := range c.LastSync {
		out.LastSync[platform] = ts
	}
	return out
}

func (p *Ping) clone() Ping {
	cp := *p
	cp.Analysis = p.Analysis.clone()
	cp.Metadata = cloneMap(p.Metadata)
	return cp
}

func (t *Thread) clone() Thread {
	cp := *t
	cp.PingIDs = append([]string(nil), t.PingIDs...)
	return cp
}

func (t *Thread) contains(pingID string) bool {
	for _, id := range t.PingIDs {
		if id == pingID {
			return true
		}
	}
	return false
}

// cloneMap deep-copies the nested maps and slices of an open JSON payload.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		return cloneMap(typed)
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// plainJSONMap re-decodes in with encoding/json so its values have exactly
// the types a reload from disk produces.
func plainJSONMap(in map[string]any) (map[string]any, error) {
	if in == nil {
		return nil, nil
	}
	data, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// normalize fills maps a hand-edited or older state file may have left out.
func (c *Collection) normalize() {
	if c.Pings == nil {
		c.Pings = map[string]*Ping{}
	}
	if c.Threads == nil {
		c.Threads = map[string]*Thread{}
	}
	if c.LastSync == nil {
		c.LastSync = map[string]string{}
	}
	if c.Metadata.Version == "" {
		c.Metadata.Version = SchemaVersion
	}
	for _, ping := range c.Pings {
		if ping != nil && ping.Metadata == nil {
			ping.Metadata = map[string]any{}
		}
	}
	for _, thread := range c.Threads {
		if thread != nil && thread.PingIDs == nil {
			thread.PingIDs = []string{}
		}
	}
}

// validate checks the decoded collection has the shape the store relies on.
func (c *Collection) validate() error {
	for key, ping := range c.Pings {
		if ping == nil {
			return corruptStatef("ping %q is null", key)
		}
		if ping.ID != key {
			return corruptStatef("ping key %q does not match id %q", key, ping.ID)
		}
		if !ping.Status.Valid() {
			return corruptStatef("ping %q has unknown status %q", key, ping.Status)
		}
		if ping.ResponseDetected && ping.Status != StatusHandled {
			return corruptStatef("ping %q has a detected response but status %q", key, ping.Status)
		}
	}
	for key, thread := range c.Threads {
		if thread == nil {
			return corruptStatef("thread %q is null", key)
		}
		if thread.ID != key {
			return corruptStatef("thread key %q does not match id %q", key, thread.ID)
		}
		if !thread.Status.Valid() {
			return corruptStatef("thread %q has unknown status %q", key, thread.Status)
		}
	}
	return nil
}

func (c *Collection) stats() Stats {
	stats := Stats{
		TotalPings:   len(c.Pings),
		TotalThreads: len(c.Threads),
	}
	for _, ping := range c.Pings {
		switch ping.Status {
		case StatusNew:
			stats.NewPings++
		case StatusAnalyzed:
			stats.AnalyzedPings++
		}
		if ping.ResponseDetected {
			stats.HandledPings++
		}
	}
	return stats
}

func (c *Collection) selectPings(keep func(*Ping) bool) []Ping {
	out := make([]Ping, 0)
	for _, ping := range c.Pings {
		if keep(ping) {
			out = append(out, ping.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
