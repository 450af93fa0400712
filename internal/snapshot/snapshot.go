// Package snapshot converts a workflow runtime into a canonical, versioned JSON
// document and back.
package snapshot

import (
	"bytes"
	"embed"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xeipuuv/gojsonschema"

	"github.com/aristath/runbook/internal/gate"
	"github.com/aristath/runbook/internal/sandbox"
	"github.com/aristath/runbook/internal/scheduler"
)

// SchemaVersion is the version written by Encode.
const SchemaVersion = 1

// ErrUnsupportedVersion is returned for documents written by an unknown schema version.
var ErrUnsupportedVersion = errors.New("unsupported snapshot schema version")

//go:embed schema/*.json
var schemaFS embed.FS

// Principal identifies who saved a snapshot.
type Principal struct {
	User string
	Host string
}

func (p Principal) String() string {
	return p.User + "@" + p.Host
}

// Snapshot is the durable projection of a run.
type Snapshot struct {
	SchemaVersion int
	WorkflowID    string
	Runtime       *scheduler.WorkflowRuntime
	SavedBy       Principal
	SavedAt       time.Time
}

// SchemaError reports a document that does not match its declared schema.
type SchemaError struct {
	Version  int
	Problems []string
	Err      error
}

func (e *SchemaError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid snapshot document (schema version %d)", e.Version)
	if len(e.Problems) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Problems, "; "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

var (
	schemaMu    sync.Mutex
	schemaCache = map[int]*gojsonschema.Schema{}
)

// schemaFor loads and compiles the embedded schema for version.
func schemaFor(version int) (*gojsonschema.Schema, error) {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	if s, ok := schemaCache[version]; ok {
		return s, nil
	}
	raw, err := schemaFS.ReadFile(fmt.Sprintf("schema/v%d.json", version))
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema v%d: %w", version, err)
	}
	schemaCache[version] = s
	return s, nil
}

// Encode renders snap as canonical JSON: fixed field order, sorted map keys and
// UTC timestamps. The result always validates against the current schema.
func Encode(snap *Snapshot) ([]byte, error) {
	if snap == nil || snap.Runtime == nil {
		return nil, errors.New("encode snapshot: nil snapshot or runtime")
	}
	doc, err := toDocument(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Decode parses a document, refusing unknown versions, unknown fields and
// missing required fields.
func Decode(data []byte) (*Snapshot, error) {
	var probe struct {
		SchemaVersion *int `json:"schema_version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, &SchemaError{Err: err}
	}
	if probe.SchemaVersion == nil {
		return nil, &SchemaError{Problems: []string{"schema_version is missing"}}
	}
	version := *probe.SchemaVersion
	if version != SchemaVersion {
		return nil, &SchemaError{Version: version, Err: fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)}
	}

	schema, err := schemaFor(version)
	if err != nil {
		return nil, &SchemaError{Version: version, Err: err}
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, &SchemaError{Version: version, Err: err}
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, re := range result.Errors() {
			problems = append(problems, re.String())
		}
		return nil, &SchemaError{Version: version, Problems: problems}
	}

	var doc documentV1
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &SchemaError{Version: version, Err: err}
	}

	snap, err := fromDocument(&doc)
	if err != nil {
		return nil, &SchemaError{Version: version, Err: err}
	}
	return snap, nil
}

type documentV1 struct {
	SchemaVersion int                      `json:"schema_version"`
	WorkflowID    string                   `json:"workflow_id"`
	RunID         string                   `json:"run_id"`
	CurrentIndex  int                      `json:"current_index"`
	Status        scheduler.WorkflowStatus `json:"status"`
	StartedAt     string                   `json:"started_at"`
	EndedAt       string                   `json:"ended_at"`
	FailureReason text                     `json:"failure_reason"`
	Results       map[string]text          `json:"results"`
	RestartCount  int                      `json:"restart_count"`
	Restarts      []restartDoc             `json:"restarts"`
	Tasks         []taskDoc                `json:"tasks"`
	SavedBy       principalDoc             `json:"saved_by"`
	SavedAt       string                   `json:"saved_at"`
}

type restartDoc struct {
	Reason text   `json:"reason"`
	At     string `json:"at"`
}

type principalDoc struct {
	User string `json:"user"`
	Host string `json:"host"`
}

type taskDoc struct {
	Name            string               `json:"name"`
	Status          scheduler.TaskStatus `json:"status"`
	Progress        int                  `json:"progress"`
	ProgressMessage text                 `json:"progress_message"`
	Output          []outputDoc          `json:"output"`
	Error           text                 `json:"error"`
	StartedAt       string               `json:"started_at"`
	EndedAt         string               `json:"ended_at"`
	Attempts        int                  `json:"attempts"`
	SuspendReason   text                 `json:"suspend_reason"`
	PreCompleted    bool                 `json:"pre_completed"`
	Approval        *approvalDoc         `json:"approval"`
}

type outputDoc struct {
	Level sandbox.Level `json:"level"`
	Text  text          `json:"text"`
	Time  string        `json:"time"`
}

type approvalDoc struct {
	Action    gate.Action `json:"action"`
	Reason    text        `json:"reason"`
	DecidedBy string      `json:"decided_by"`
	DecidedAt string      `json:"decided_at"`
	TimedOut  bool        `json:"timed_out"`
}

func toDocument(snap *Snapshot) (*documentV1, error) {
	rt := snap.Runtime
	if snap.WorkflowID != "" && rt.WorkflowID != "" && snap.WorkflowID != rt.WorkflowID {
		return nil, fmt.Errorf("workflow id %q does not match runtime %q", snap.WorkflowID, rt.WorkflowID)
	}
	workflowID := snap.WorkflowID
	if workflowID == "" {
		workflowID = rt.WorkflowID
	}

	doc := &documentV1{
		SchemaVersion: SchemaVersion,
		WorkflowID:    workflowID,
		RunID:         rt.RunID,
		CurrentIndex:  rt.CurrentIndex,
		Status:        rt.Status,
		StartedAt:     formatTime(rt.StartedAt),
		EndedAt:       formatTime(rt.EndedAt),
		FailureReason: text(rt.FailureReason),
		Results:       make(map[string]text, len(rt.Results)),
		RestartCount:  rt.RestartCount,
		Restarts:      make([]restartDoc, 0, len(rt.Restarts)),
		Tasks:         make([]taskDoc, 0, len(rt.Tasks)),
		SavedBy:       principalDoc{User: snap.SavedBy.User, Host: snap.SavedBy.Host},
		SavedAt:       formatTime(snap.SavedAt),
	}
	for k, v := range rt.Results {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("result name %q is not valid UTF-8", k)
		}
		doc.Results[k] = text(v)
	}
	for _, r := range rt.Restarts {
		doc.Restarts = append(doc.Restarts, restartDoc{Reason: text(r.Reason), At: formatTime(r.At)})
	}

	for _, t := range rt.Tasks {
		td := taskDoc{
			Name:            t.Name,
			Status:          t.Status,
			Progress:        t.Progress,
			ProgressMessage: text(t.ProgressMessage),
			Output:          make([]outputDoc, 0, len(t.Output)),
			Error:           text(t.Error),
			StartedAt:       formatTime(t.StartedAt),
			EndedAt:         formatTime(t.EndedAt),
			Attempts:        t.Attempts,
			SuspendReason:   text(t.SuspendReason),
			PreCompleted:    t.PreCompleted,
		}
		for _, line := range t.Output {
			td.Output = append(td.Output, outputDoc{Level: line.Level, Text: text(line.Text), Time: formatTime(line.Time)})
		}
		if t.Approval != nil {
			td.Approval = &approvalDoc{
				Action:    t.Approval.Action,
				Reason:    text(t.Approval.Reason),
				DecidedBy: t.Approval.DecidedBy,
				DecidedAt: formatTime(t.Approval.DecidedAt),
				TimedOut:  t.Approval.TimedOut,
			}
		}
		doc.Tasks = append(doc.Tasks, td)
	}
	return doc, nil
}

func fromDocument(doc *documentV1) (*Snapshot, error) {
	var p timeParser

	rt := &scheduler.WorkflowRuntime{
		WorkflowID:    doc.WorkflowID,
		RunID:         doc.RunID,
		CurrentIndex:  doc.CurrentIndex,
		Status:        doc.Status,
		StartedAt:     p.parse("started_at", doc.StartedAt),
		EndedAt:       p.parse("ended_at", doc.EndedAt),
		FailureReason: string(doc.FailureReason),
		Results:       make(map[string]string, len(doc.Results)),
		RestartCount:  doc.RestartCount,
		Tasks:         make([]*scheduler.TaskRuntimeState, 0, len(doc.Tasks)),
	}
	for k, v := range doc.Results {
		rt.Results[k] = string(v)
	}
	for i, r := range doc.Restarts {
		rt.Restarts = append(rt.Restarts, scheduler.RestartRecord{
			Reason: string(r.Reason),
			At:     p.parse(fmt.Sprintf("restarts[%d].at", i), r.At),
		})
	}

	seen := make(map[string]bool, len(doc.Tasks))
	for i, td := range doc.Tasks {
		if seen[td.Name] {
			return nil, fmt.Errorf("duplicate task %q", td.Name)
		}
		seen[td.Name] = true

		prefix := fmt.Sprintf("tasks[%d].", i)
		ts := &scheduler.TaskRuntimeState{
			Name:            td.Name,
			Status:          td.Status,
			Progress:        td.Progress,
			ProgressMessage: string(td.ProgressMessage),
			Error:           string(td.Error),
			StartedAt:       p.parse(prefix+"started_at", td.StartedAt),
			EndedAt:         p.parse(prefix+"ended_at", td.EndedAt),
			Attempts:        td.Attempts,
			SuspendReason:   string(td.SuspendReason),
			PreCompleted:    td.PreCompleted,
		}
		for j, o := range td.Output {
			ts.Output = append(ts.Output, sandbox.OutputLine{
				Level: o.Level,
				Text:  string(o.Text),
				Time:  p.parse(fmt.Sprintf("%soutput[%d].time", prefix, j), o.Time),
			})
		}
		if td.Approval != nil {
			ts.Approval = &gate.Decision{
				Action:    td.Approval.Action,
				Reason:    string(td.Approval.Reason),
				DecidedBy: td.Approval.DecidedBy,
				DecidedAt: p.parse(prefix+"approval.decided_at", td.Approval.DecidedAt),
				TimedOut:  td.Approval.TimedOut,
			}
		}
		rt.Tasks = append(rt.Tasks, ts)
	}

	if rt.CurrentIndex > len(rt.Tasks) {
		return nil, fmt.Errorf("current_index %d is out of range for %d tasks", rt.CurrentIndex, len(rt.Tasks))
	}

	snap := &Snapshot{
		SchemaVersion: doc.SchemaVersion,
		WorkflowID:    doc.WorkflowID,
		Runtime:       rt,
		SavedBy:       Principal{User: doc.SavedBy.User, Host: doc.SavedBy.Host},
		SavedAt:       p.parse("saved_at", doc.SavedAt),
	}
	if p.err != nil {
		return nil, p.err
	}
	return snap, nil
}

// text is free-form task text. Valid UTF-8 is written as a JSON string; any
// other byte sequence is written as {"base64": "..."} so it decodes unchanged.
type text string

type base64Text struct {
	Base64 string `json:"base64"`
}

func (t text) MarshalJSON() ([]byte, error) {
	var v any = string(t)
	if !utf8.ValidString(string(t)) {
		v = base64Text{Base64: base64.StdEncoding.EncodeToString([]byte(t))}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

func (t *text) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '{' {
		var b base64Text
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&b); err != nil {
			return err
		}
		raw, err := base64.StdEncoding.DecodeString(b.Base64)
		if err != nil {
			return fmt.Errorf("base64 text: %w", err)
		}
		*t = text(raw)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = text(s)
	return nil
}

// formatTime renders t as UTC RFC 3339 with nanoseconds; the zero time is "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// timeParser keeps the first parse error so callers can check once.
type timeParser struct {
	err error
}

func (p *timeParser) parse(field, s string) time.Time {
	if s == "" || p.err != nil {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		p.err = fmt.Errorf("%s: %w", field, err)
		return time.Time{}
	}
	return t
}
