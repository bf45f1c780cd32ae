// Package callbackparse extracts a task ID and job state from an
// upstream callback payload of unknown shape. The upstream API wraps
// its callback body inconsistently across integrations, so this
// parser tolerates any JSON structure and never errors — it returns
// its best guess, or a zero Envelope if nothing was found.
package callbackparse

import (
	"encoding/json"
	"strconv"
	"strings"
)

const maxDepth = 10

var taskIDFields = []string{"taskId", "task_id", "task", "job_id", "jobId"}
var genericIDFields = []string{"id", "ID", "_id"}
var stateFields = []string{"state", "status"}
var resultFields = []string{"resultJson", "result_json", "result"}
var failFields = []string{"failMsg", "fail_reason", "error", "message"}
var nestedContainers = []string{"data", "result", "payload", "response", "body"}

// Envelope is the best-effort extraction of a callback's task ID and
// reported state. Found is false when no task ID could be located
// anywhere in the payload or the query params.
type Envelope struct {
	TaskID         string
	RawState       string
	ResultJSON     string
	FailMsg        string
	UpstreamStatus string
	Found          bool
}

// Parse extracts fields from raw (bytes, a JSON string, a JSON object,
// or a JSON array) plus an optional set of URL query params used as a
// last-resort fallback.
func Parse(raw []byte, queryParams map[string]string) Envelope {
	normalized := normalize(raw)

	if normalized != nil {
		env := extractFromMap(normalized)
		if env.Found {
			return env
		}
	}

	if queryParams != nil {
		if env, ok := extractFromQuery(queryParams); ok {
			return env
		}
	}

	return Envelope{}
}

// normalize coerces raw into a map[string]any, unwrapping a
// JSON-encoded string or the first element of a JSON array.
func normalize(raw []byte) map[string]any {
	var asAny any
	if err := json.Unmarshal(raw, &asAny); err != nil {
		return nil
	}

	switch v := asAny.(type) {
	case map[string]any:
		return v
	case string:
		var nested any
		if err := json.Unmarshal([]byte(v), &nested); err != nil {
			return nil
		}
		if m, ok := nested.(map[string]any); ok {
			return m
		}
		return nil
	case []any:
		if len(v) == 0 {
			return nil
		}
		if m, ok := v[0].(map[string]any); ok {
			return m
		}
		return map[string]any{"items": v}
	default:
		return nil
	}
}

func extractFromMap(data map[string]any) Envelope {
	env := Envelope{}

	env.TaskID = firstStringField(data, taskIDFields)
	env.RawState = firstStringField(data, stateFields)
	env.ResultJSON = firstStringField(data, resultFields)
	env.FailMsg = firstStringField(data, failFields)

	if env.TaskID != "" && env.RawState != "" {
		env.Found = true
		return env
	}

	for _, container := range nestedContainers {
		nested, ok := data[container].(map[string]any)
		if !ok {
			continue
		}
		if env.TaskID == "" {
			env.TaskID = firstStringField(nested, taskIDFields)
		}
		if env.RawState == "" {
			env.RawState = firstStringField(nested, stateFields)
		}
		if env.ResultJSON == "" {
			env.ResultJSON = firstStringField(nested, resultFields)
		}
		if env.FailMsg == "" {
			env.FailMsg = firstStringField(nested, failFields)
		}
		if env.TaskID != "" && env.RawState != "" {
			env.Found = true
			return env
		}
	}

	if env.TaskID == "" || env.RawState == "" {
		dfsTaskID, dfsState, dfsResult, dfsFail := dfsSearch(data, 0)
		if env.TaskID == "" {
			env.TaskID = dfsTaskID
		}
		if env.RawState == "" {
			env.RawState = dfsState
		}
		if env.ResultJSON == "" {
			env.ResultJSON = dfsResult
		}
		if env.FailMsg == "" {
			env.FailMsg = dfsFail
		}
	}

	if env.TaskID == "" {
		env.TaskID = firstStringField(data, genericIDFields)
	}

	env.Found = env.TaskID != ""
	return env
}

func dfsSearch(obj any, depth int) (taskID, state, result, fail string) {
	if depth >= maxDepth {
		return
	}

	switch v := obj.(type) {
	case map[string]any:
		for key, val := range v {
			if taskID == "" && containsField(taskIDFields, key) {
				taskID = stringify(val)
			}
			if state == "" && containsField(stateFields, key) {
				state = stringify(val)
			}
			if result == "" && containsField(resultFields, key) {
				result = stringify(val)
			}
			if fail == "" && containsField(failFields, key) {
				fail = stringify(val)
			}
			if taskID != "" && state != "" && result != "" && fail != "" {
				return
			}

			switch val.(type) {
			case map[string]any, []any:
				nTaskID, nState, nResult, nFail := dfsSearch(val, depth+1)
				if taskID == "" {
					taskID = nTaskID
				}
				if state == "" {
					state = nState
				}
				if result == "" {
					result = nResult
				}
				if fail == "" {
					fail = nFail
				}
			}
		}
	case []any:
		for _, item := range v {
			switch item.(type) {
			case map[string]any, []any:
				nTaskID, nState, nResult, nFail := dfsSearch(item, depth+1)
				if taskID == "" {
					taskID = nTaskID
				}
				if state == "" {
					state = nState
				}
				if result == "" {
					result = nResult
				}
				if fail == "" {
					fail = nFail
				}
			}
			if taskID != "" && state != "" && result != "" && fail != "" {
				return
			}
		}
	}
	return
}

func extractFromQuery(params map[string]string) (Envelope, bool) {
	for _, field := range []string{"taskId", "task_id", "task", "id"} {
		if v, ok := params[field]; ok && v != "" {
			return Envelope{TaskID: v, Found: true}, true
		}
	}
	return Envelope{}, false
}

func firstStringField(data map[string]any, fields []string) string {
	for _, f := range fields {
		if v, ok := data[f]; ok {
			if s := stringify(v); s != "" {
				return s
			}
		}
	}
	return ""
}

func containsField(fields []string, key string) bool {
	for _, f := range fields {
		if f == key {
			return true
		}
	}
	return false
}

func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case nil:
		return ""
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		s := strings.TrimSpace(string(b))
		if s == "null" {
			return ""
		}
		return s
	}
}
