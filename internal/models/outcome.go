package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// BackendStatus is the enumerated status reported by the transcription backend.
type BackendStatus string

const (
	BackendQueued     BackendStatus = "queued"
	BackendProcessing BackendStatus = "processing"
	BackendCompleted  BackendStatus = "completed"
	BackendFailed     BackendStatus = "failed"
	BackendUnknown    BackendStatus = "unknown"
)

// Outcome is a validated backend report, produced from either a webhook body or
// a poll response. Only completed and failed outcomes are terminal.
type Outcome struct {
	ExternalJobID string
	Status        BackendStatus
	Result        *Result
	Error         string
	Timestamp     time.Time
}

// Terminal reports whether the outcome should finish the job.
func (o Outcome) Terminal() bool {
	return o.Status == BackendCompleted || o.Status == BackendFailed
}

// ErrMissingStatus is returned when a payload carries no status field.
var ErrMissingStatus = errors.New("payload has no status")

// ParseOutcome converts an untyped backend payload into an Outcome.
// Unrecognised statuses map to BackendUnknown rather than an error so that
// they are treated as non-terminal.
func ParseOutcome(raw map[string]any) (Outcome, error) {
	var out Outcome
	out.ExternalJobID = stringField(raw, "job_id")

	status := strings.ToLower(strings.TrimSpace(stringField(raw, "status")))
	if status == "" {
		return out, ErrMissingStatus
	}
	out.Status = parseBackendStatus(status)

	ts, err := timestampField(raw, "timestamp", "created_at")
	if err != nil {
		return out, err
	}
	out.Timestamp = ts

	switch out.Status {
	case BackendCompleted:
		res, err := parseResult(raw)
		if err != nil {
			return out, err
		}
		out.Result = res
	case BackendFailed:
		out.Error = firstNonEmpty(stringField(raw, "error"), stringField(raw, "error_message"), "transcription failed")
	}
	return out, nil
}

func parseBackendStatus(s string) BackendStatus {
	switch BackendStatus(s) {
	case BackendQueued, BackendProcessing, BackendCompleted, BackendFailed:
		return BackendStatus(s)
	}
	return BackendUnknown
}

func parseResult(raw map[string]any) (*Result, error) {
	res := &Result{
		Text:        stringField(raw, "transcript"),
		Summary:     stringField(raw, "summary"),
		Sentiment:   stringField(raw, "sentiment"),
		Translation: stringField(raw, "translation"),
		Captions:    stringField(raw, "captions"),
	}
	if v, ok := raw["processing_time"]; ok && v != nil {
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("processing_time: unexpected type %T", v)
		}
		res.ProcessingTime = f
	}
	if v, ok := raw["segments"]; ok && v != nil {
		// Round-trip through JSON so both []any and typed slices decode the same way.
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("segments: %w", err)
		}
		if err := json.Unmarshal(b, &res.Segments); err != nil {
			return nil, fmt.Errorf("segments: %w", err)
		}
	}
	return res, nil
}

// ParseTimestamp accepts unix seconds, unix milliseconds or RFC3339.
func ParseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return unixTime(t), nil
	case int64:
		return unixTime(float64(t)), nil
	case int:
		return unixTime(float64(t)), nil
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", t, err)
		}
		return unixTime(f), nil
	case string:
		s := strings.TrimSpace(t)
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return unixTime(f), nil
		}
		parsed, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("timestamp %q: %w", s, err)
		}
		return parsed.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("timestamp: unexpected type %T", v)
	}
}

func unixTime(f float64) time.Time {
	// Values past year 33658 in seconds are treated as milliseconds.
	if f > 1e12 {
		return time.UnixMilli(int64(f)).UTC()
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

func timestampField(raw map[string]any, keys ...string) (time.Time, error) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil || v == "" {
			continue
		}
		return ParseTimestamp(v)
	}
	return time.Time{}, nil
}

func stringField(raw map[string]any, key string) string {
	v, ok := raw[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
