package pingtriage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/santhosh-tekuri/jsonschema/v6/kind"
)

type SuggestedAction string

const (
	ActionAcknowledge SuggestedAction = "Acknowledge"
	ActionReview      SuggestedAction = "Review"
	ActionReply       SuggestedAction = "Reply"
	ActionDecide      SuggestedAction = "Decide"
	ActionDelegate    SuggestedAction = "Delegate"
)

func (a SuggestedAction) Valid() bool {
	switch a {
	case ActionAcknowledge, ActionReview, ActionReply, ActionDecide, ActionDelegate:
		return true
	}
	return false
}

// Issue tracker priority scale.
const (
	PriorityNone   = 0
	PriorityUrgent = 1
	PriorityHigh   = 2
	PriorityNormal = 3
	PriorityLow    = 4
)

// Analysis is the structured result an external analyzer hands back for a
// ping. Keys outside the known fields are kept in Extra and written back
// untouched.
type Analysis struct {
	Title            string          `json:"title"`
	Summary          string          `json:"summary"`
	SuggestedAction  SuggestedAction `json:"suggested_action"`
	Priority         int             `json:"priority"`
	SpecificGuidance string          `json:"specific_guidance"`
	AnalyzedAt       string          `json:"analyzed_at,omitempty"`
	Extra            map[string]any  `json:"-"`
}

type analysisFields Analysis

var analysisKnownKeys = []string{"title", "summary", "suggested_action", "priority", "specific_guidance", "analyzed_at"}

func (a Analysis) MarshalJSON() ([]byte, error) {
	if len(a.Extra) == 0 {
		return json.Marshal(analysisFields(a))
	}
	known, err := json.Marshal(analysisFields(a))
	if err != nil {
		return nil, err
	}
	merged := map[string]any{}
	for k, v := range a.Extra {
		merged[k] = v
	}
	var fields map[string]any
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range fields {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func (a *Analysis) UnmarshalJSON(data []byte) error {
	var fields analysisFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(data, &all); err != nil {
		return err
	}
	for _, key := range analysisKnownKeys {
		delete(all, key)
	}
	*a = Analysis(fields)
	if len(all) > 0 {
		a.Extra = all
	} else {
		a.Extra = nil
	}
	return nil
}

func (a *Analysis) clone() *Analysis {
	if a == nil {
		return nil
	}
	cp := *a
	cp.Extra = cloneMap(a.Extra)
	return &cp
}

// Validate rejects an analysis that must not be attached to a ping.
func (a Analysis) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return &ValidationError{Field: "title", Message: "must not be empty"}
	}
	if !SuggestedAction(strings.TrimSpace(string(a.SuggestedAction))).Valid() {
		return &ValidationError{
			Field:   "suggested_action",
			Message: fmt.Sprintf("%q is not one of Acknowledge, Review, Reply, Decide, Delegate", a.SuggestedAction),
		}
	}
	if a.Priority < PriorityNone || a.Priority > PriorityLow {
		return &ValidationError{Field: "priority", Message: fmt.Sprintf("%d is outside 0..4", a.Priority)}
	}
	return nil
}

// Normalize trims text fields and stamps AnalyzedAt when it is unset.
func (a Analysis) Normalize(now time.Time) Analysis {
	a.Title = strings.TrimSpace(a.Title)
	a.Summary = strings.TrimSpace(a.Summary)
	a.SuggestedAction = SuggestedAction(strings.TrimSpace(string(a.SuggestedAction)))
	a.SpecificGuidance = strings.TrimSpace(a.SpecificGuidance)
	if strings.TrimSpace(a.AnalyzedAt) == "" {
		a.AnalyzedAt = formatTime(now)
	}
	a.Extra = cloneMap(a.Extra)
	return a
}

const analysisSchemaURL = "https://pingtriage.local/schemas/analysis.json"

const analysisSchema = `{
  "type": "object",
  "required": ["title", "summary", "suggested_action", "priority"],
  "properties": {
    "title": {"type": "string", "minLength": 1},
    "summary": {"type": "string"},
    "suggested_action": {"enum": ["Acknowledge", "Review", "Reply", "Decide", "Delegate"]},
    "priority": {
      "anyOf": [
        {"type": "integer", "minimum": 0, "maximum": 4},
        {"type": "string", "pattern": "^\\s*[0-4]\\s*$"}
      ]
    },
    "specific_guidance": {"type": "string"},
    "analyzed_at": {"type": "string"}
  }
}`

var (
	analysisSchemaOnce     sync.Once
	analysisSchemaCompiled *jsonschema.Schema
	analysisSchemaErr      error
)

func compiledAnalysisSchema() (*jsonschema.Schema, error) {
	analysisSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(analysisSchema))
		if err != nil {
			analysisSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(analysisSchemaURL, doc); err != nil {
			analysisSchemaErr = err
			return
		}
		analysisSchemaCompiled, analysisSchemaErr = compiler.Compile(analysisSchemaURL)
	})
	return analysisSchemaCompiled, analysisSchemaErr
}

// ParseAnalysis decodes and validates raw analyzer output. Priority may be
// sent as an integer or as a string holding one; specific_guidance defaults to
// the empty string.
func ParseAnalysis(raw []byte) (Analysis, error) {
	schema, err := compiledAnalysisSchema()
	if err != nil {
		return Analysis{}, fmt.Errorf("compile analysis schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return Analysis{}, &ValidationError{Message: "analysis is not valid json"}
	}
	if err := schema.Validate(inst); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			return Analysis{}, schemaValidationError(verr)
		}
		return Analysis{}, &ValidationError{Message: err.Error()}
	}
	obj, _ := inst.(map[string]any)

	priority, err := parsePriority(obj["priority"])
	if err != nil {
		return Analysis{}, &ValidationError{Field: "priority", Message: err.Error()}
	}
	out := Analysis{
		Title:            stringField(obj, "title"),
		Summary:          stringField(obj, "summary"),
		SuggestedAction:  SuggestedAction(stringField(obj, "suggested_action")),
		Priority:         priority,
		SpecificGuidance: stringField(obj, "specific_guidance"),
		AnalyzedAt:       stringField(obj, "analyzed_at"),
	}
	extra := map[string]any{}
	for k, v := range obj {
		extra[k] = v
	}
	for _, key := range analysisKnownKeys {
		delete(extra, key)
	}
	if len(extra) > 0 {
		plain, err := plainJSONMap(extra)
		if err != nil {
			return Analysis{}, &ValidationError{Message: err.Error()}
		}
		out.Extra = plain
	}
	return out, out.Validate()
}

// schemaValidationError reports the first leaf cause, naming the missing
// property for required-keyword failures.
func schemaValidationError(verr *jsonschema.ValidationError) *ValidationError {
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	field := strings.Join(leaf.InstanceLocation, ".")
	if required, ok := leaf.ErrorKind.(*kind.Required); ok && len(required.Missing) > 0 {
		field = required.Missing[0]
		return &ValidationError{Field: field, Message: "is required"}
	}
	return &ValidationError{Field: field, Message: strings.TrimSpace(leaf.Error())}
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

func parsePriority(v any) (int, error) {
	switch typed := v.(type) {
	case json.Number:
		f, err := typed.Float64()
		if err != nil {
			return 0, err
		}
		if f != math.Trunc(f) {
			return 0, fmt.Errorf("%s is not an integer", typed)
		}
		return int(f), nil
	case string:
		return strconv.Atoi(strings.TrimSpace(typed))
	case float64:
		return int(typed), nil
	default:
		return 0, fmt.Errorf("unsupported priority type %T", v)
	}
}

// UrgencySignals flags keyword cues in a ping's content.
type UrgencySignals struct {
	Urgent           bool `json:"urgent"`
	Blocking         bool `json:"blocking"`
	DeadlineToday    bool `json:"deadline_today"`
	DeadlineThisWeek bool `json:"deadline_this_week"`
	QuestionMark     bool `json:"question_mark"`
	Exclamation      bool `json:"exclamation"`
}

var (
	urgentWords   = []string{"urgent", "asap", "immediately", "critical", "emergency"}
	blockingWords = []string{"blocking", "blocked", "blocker", "waiting on"}
	todayPhrases  = []string{"today", "by eod", "end of day", "this afternoon"}
	weekPhrases   = []string{"this week", "by friday", "end of week"}
)

func DetectUrgency(content string) UrgencySignals {
	lower := strings.ToLower(content)
	return UrgencySignals{
		Urgent:           containsAny(lower, urgentWords),
		Blocking:         containsAny(lower, blockingWords),
		DeadlineToday:    containsAny(lower, todayPhrases),
		DeadlineThisWeek: containsAny(lower, weekPhrases),
		QuestionMark:     strings.Contains(content, "?"),
		Exclamation:      strings.Contains(content, "!"),
	}
}

// SuggestPriority escalates base according to the urgency cues in content.
// Lower numbers are more urgent; a priority is never lowered.
func SuggestPriority(content string, base int) int {
	signals := DetectUrgency(content)
	switch {
	case signals.Urgent || signals.Blocking || signals.DeadlineToday:
		return min(base, PriorityUrgent)
	case signals.DeadlineThisWeek:
		return min(base, PriorityHigh)
	}
	return base
}

func containsAny(s string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(s, needle) {
			return true
		}
	}
	return false
}
