// Package job holds the request and response shapes exchanged with clients.
package job

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved request fields. Every other field is an action parameter.
const (
	FieldAction          = "action"
	FieldManage          = "manage"
	FieldHandle          = "handle"
	FieldOutputDirectory = "output_directory"
	FieldForceUpdate     = "force_update"
	FieldStdout          = "stdout"
	FieldActionHandle    = "actionHandle"
	FieldLimit           = "limit"
)

// Management commands.
const (
	ManageUpdate  = "update"
	ManageKill    = "kill"
	ManageList    = "list"
	ManageHistory = "history"
)

// Terminal statuses. A successful run reports OK with its duration.
const (
	StatusCached = "CACHED"
	StatusKilled = "KILLED"
	StatusError  = "ERROR"
)

// StdoutHint replaces captured output when the caller did not ask for it.
const StdoutHint = "stdout and stderr not included. Launch action with parameter stdout=true"

// State is a job's position in its lifecycle.
type State string

const (
	StateQueued    State = "queued"
	StateResolving State = "resolving"
	StateCacheHit  State = "cached"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateKilled    State = "killed"
	StateFailed    State = "failed"
)

// Request is one admitted client request. It is not modified after admission.
type Request struct {
	Action          string
	Manage          string
	Handle          string
	OutputDirectory string
	ForceUpdate     bool
	Stdout          bool
	ActionHandle    string
	Limit           int
	Params          map[string]any
}

// FromMap splits a decoded request object into reserved fields and action
// parameters.
func FromMap(m map[string]any) Request {
	req := Request{Params: map[string]any{}}
	for k, v := range m {
		switch k {
		case FieldAction:
			req.Action = asString(v)
		case FieldManage:
			req.Manage = asString(v)
		case FieldHandle:
			req.Handle = asString(v)
		case FieldOutputDirectory:
			req.OutputDirectory = asString(v)
		case FieldForceUpdate:
			req.ForceUpdate = asBool(v)
		case FieldStdout:
			req.Stdout = asBool(v)
		case FieldActionHandle:
			req.ActionHandle = asString(v)
		case FieldLimit:
			req.Limit, _ = strconv.Atoi(asString(v))
		default:
			req.Params[k] = v
		}
	}
	return req
}

// Payload rebuilds the flat request object, as clients sent it.
func (r Request) Payload() map[string]any {
	out := make(map[string]any, len(r.Params)+6)
	for k, v := range r.Params {
		out[k] = v
	}
	setIf := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	setIf(FieldAction, r.Action)
	setIf(FieldManage, r.Manage)
	setIf(FieldHandle, r.Handle)
	setIf(FieldOutputDirectory, r.OutputDirectory)
	setIf(FieldActionHandle, r.ActionHandle)
	if r.ForceUpdate {
		out[FieldForceUpdate] = true
	}
	if r.Stdout {
		out[FieldStdout] = true
	}
	return out
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func asBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	default:
		return false
	}
}

// Snapshot is the serializable view of one in-flight job. It never holds
// process or OS handles.
type Snapshot struct {
	Handle  string         `json:"handle"`
	Action  string         `json:"action"`
	State   State          `json:"state"`
	Started time.Time      `json:"started"`
	Request map[string]any `json:"request"`
}

// Record is the durable summary of a finished job.
type Record struct {
	ID              int64     `json:"id,omitempty"`
	Handle          string    `json:"handle"`
	Action          string    `json:"action"`
	Status          string    `json:"status"`
	Code            string    `json:"code,omitempty"`
	OutputDirectory string    `json:"outputDirectory,omitempty"`
	Cached          bool      `json:"cached"`
	Duration        float64   `json:"duration"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// Response is returned for every request, successful or not.
type Response struct {
	Status          string     `json:"status,omitempty"`
	OutputDirectory string     `json:"outputDirectory,omitempty"`
	MTime           int64      `json:"MTime,omitempty"`
	Handle          string     `json:"handle"`
	Stdout          string     `json:"stdout,omitempty"`
	Stderr          string     `json:"stderr,omitempty"`
	Error           string     `json:"error,omitempty"`
	Code            string     `json:"code,omitempty"`
	Jobs            []Snapshot `json:"ongoingActions,omitempty"`
	History         []Record   `json:"history,omitempty"`
	Errors          []string   `json:"errors,omitempty"`
}

// OKStatus formats the status of a successful run.
func OKStatus(d time.Duration) string {
	return "OK (" + strconv.FormatFloat(float64(d.Milliseconds())/1000, 'f', -1, 64) + "s)"
}

// IsOK reports whether status denotes a fresh successful run.
func IsOK(status string) bool {
	return strings.HasPrefix(status, "OK")
}

// AsMap converts the response into a generic JSON object.
func (r Response) AsMap() (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return out, nil
}
