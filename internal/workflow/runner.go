package workflow

import (
	"errors"
	"time"

	"github.com/agentworkforce/pingtriage/internal/pingtriage"
)

var ErrMissingTeamID = errors.New("linear team_id is not configured")

const StatusReadyToCollect = "ready_to_collect"

// StateReader is the part of the store the step reports read.
type StateReader interface {
	LastSync(platform string) (string, bool)
	UnprocessedPings() []pingtriage.Ping
	AnalyzedPings() []pingtriage.Ping
	HandledPings() []pingtriage.Ping
	Stats() pingtriage.Stats
}

type Runner struct {
	Store  StateReader
	Config Config
	Now    func() time.Time
}

type PlatformFetch struct {
	Enabled       bool    `json:"enabled"`
	LookbackHours int     `json:"lookback_hours"`
	LastSync      *string `json:"last_sync"`
	Status        string  `json:"status"`
}

type FetchReport struct {
	Command        string                   `json:"command"`
	Timestamp      string                   `json:"timestamp"`
	Platforms      map[string]PlatformFetch `json:"platforms"`
	TotalCollected int                      `json:"total_collected"`
}

type DedupeReport struct {
	Command           string `json:"command"`
	Timestamp         string `json:"timestamp"`
	ThreadsIdentified int    `json:"threads_identified"`
	PingsChecked      int    `json:"pings_checked"`
	ResponsesDetected int    `json:"responses_detected"`
}

type AnalyzeReport struct {
	Command         string `json:"command"`
	Timestamp       string `json:"timestamp"`
	PingsToAnalyze  int    `json:"pings_to_analyze"`
	AnalysisContext string `json:"analysis_context"`
}

type SyncReport struct {
	Command       string `json:"command"`
	Timestamp     string `json:"timestamp"`
	TeamID        string `json:"team_id"`
	PingsToCreate int    `json:"pings_to_create"`
	PingsToUpdate int    `json:"pings_to_update"`
	PingsToClose  int    `json:"pings_to_close"`
}

type TriageSteps struct {
	Fetch   FetchReport   `json:"fetch"`
	Dedupe  DedupeReport  `json:"dedupe"`
	Analyze AnalyzeReport `json:"analyze"`
	Sync    SyncReport    `json:"sync"`
}

type TriageReport struct {
	Command   string      `json:"command"`
	Timestamp string      `json:"timestamp"`
	Steps     TriageSteps `json:"steps"`
}

func (r Runner) timestamp() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339Nano)
}

// Fetch reports, per enabled platform, where collection should resume.
func (r Runner) Fetch() FetchReport {
	report := FetchReport{
		Command:   "fetch",
		Timestamp: r.timestamp(),
		Platforms: map[string]PlatformFetch{},
	}
	for _, platform := range r.Config.EnabledPlatforms() {
		entry := PlatformFetch{
			Enabled:       true,
			LookbackHours: r.Config.LookbackHours(platform),
			Status:        StatusReadyToCollect,
		}
		if ts, ok := r.Store.LastSync(platform); ok {
			entry.LastSync = &ts
		}
		report.Platforms[platform] = entry
	}
	return report
}

func (r Runner) Dedupe() DedupeReport {
	return DedupeReport{
		Command:           "dedupe",
		Timestamp:         r.timestamp(),
		ThreadsIdentified: r.Store.Stats().TotalThreads,
		PingsChecked:      len(r.Store.UnprocessedPings()),
	}
}

func (r Runner) Analyze() AnalyzeReport {
	return AnalyzeReport{
		Command:         "analyze",
		Timestamp:       r.timestamp(),
		PingsToAnalyze:  len(r.Store.UnprocessedPings()),
		AnalysisContext: r.Config.AnalysisContext(),
	}
}

// Sync counts analyzed pings that still need an issue, analyzed pings whose
// issue needs an update, and handled pings to close.
func (r Runner) Sync() (SyncReport, error) {
	if r.Config.Linear.TeamID == "" {
		return SyncReport{}, ErrMissingTeamID
	}
	report := SyncReport{
		Command:   "sync",
		Timestamp: r.timestamp(),
		TeamID:    r.Config.Linear.TeamID,
	}
	for _, ping := range r.Store.AnalyzedPings() {
		if ping.LinearIssueID == "" {
			report.PingsToCreate++
		} else {
			report.PingsToUpdate++
		}
	}
	if r.Config.AutoCloseResponded() {
		report.PingsToClose = len(r.Store.HandledPings())
	}
	return report, nil
}

func (r Runner) Triage() (TriageReport, error) {
	sync, err := r.Sync()
	if err != nil {
		return TriageReport{}, err
	}
	return TriageReport{
		Command:   "triage",
		Timestamp: r.timestamp(),
		Steps: TriageSteps{
			Fetch:   r.Fetch(),
			Dedupe:  r.Dedupe(),
			Analyze: r.Analyze(),
			Sync:    sync,
		},
	}, nil
}
