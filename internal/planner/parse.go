package planner

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// RawTask is the shape the planner LLM emits per task before defaults are
// backfilled and it becomes a *taskqueue.Task.
type RawTask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Scope       []string `json:"scope"`
	Acceptance  string   `json:"acceptance"`
	Branch      string   `json:"branch"`
	Priority    *int     `json:"priority"`
}

type plannerResponse struct {
	Scratchpad string    `json:"scratchpad"`
	Tasks      []RawTask `json:"tasks"`
}

var scratchpadRe = regexp.MustCompile(`"scratchpad"\s*:\s*"((?:[^"\\]|\\.)*)"`)

// parseResponse extracts a scratchpad and a task list from raw LLM content.
// It tries, in order: the structured {scratchpad, tasks} object, a bare
// array of tasks, then a brace-matching salvage pass over a truncated
// object. Any failure yields an empty task list rather than an error — the
// loop continues rather than aborting on a malformed response.
func parseResponse(raw string) (scratchpad string, tasks []RawTask) {
	body := stripFences(raw)
	body = strings.TrimSpace(body)

	if obj := outermostObject(body); obj != "" {
		var resp plannerResponse
		if err := json.Unmarshal([]byte(obj), &resp); err == nil && (resp.Scratchpad != "" || len(resp.Tasks) > 0) {
			return resp.Scratchpad, resp.Tasks
		}
	}

	if arr := outermostArray(body); arr != "" {
		var raw []RawTask
		if err := json.Unmarshal([]byte(arr), &raw); err == nil {
			return "", raw
		}
	}

	// Truncated JSON: salvage whatever complete task objects we can find
	// inside a "tasks" array, and recover the scratchpad separately via
	// regex since the object as a whole won't parse.
	if m := scratchpadRe.FindStringSubmatch(body); m != nil {
		scratchpad = unescapeJSONString(m[1])
	}
	tasks = salvageTasks(body)
	return scratchpad, tasks
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

func outermostObject(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func outermostArray(s string) string {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// salvageTasks scans for a "tasks" array and, skipping over string
// contents, collects every syntactically complete top-level object inside
// it. An incomplete trailing object (cut off mid-stream) is discarded.
// Objects missing a "description" field are also discarded.
func salvageTasks(s string) []RawTask {
	idx := strings.Index(s, `"tasks"`)
	if idx < 0 {
		// The whole body might itself be the array (no wrapping object).
		idx = 0
	} else {
		idx += len(`"tasks"`)
	}
	arrStart := strings.IndexByte(s[idx:], '[')
	if arrStart < 0 {
		return nil
	}
	arrStart += idx

	var tasks []RawTask
	depth := 0
	objStart := -1
	inString := false
	escaped := false
	for i := arrStart; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				objStart = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && objStart >= 0 {
				var t RawTask
				if err := json.Unmarshal([]byte(s[objStart:i+1]), &t); err == nil && t.Description != "" {
					tasks = append(tasks, t)
				}
				objStart = -1
			}
		case ']':
			if depth == 0 {
				return tasks
			}
		}
	}
	return tasks
}

func unescapeJSONString(s string) string {
	var out string
	if err := json.Unmarshal([]byte(`"`+s+`"`), &out); err == nil {
		return out
	}
	return s
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowercases s, collapses runs of non-alphanumerics to a single
// hyphen, and trims the result to a reasonable branch-name fragment.
func slug(s string) string {
	s = strings.ToLower(s)
	s = slugRe.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > 40 {
		s = s[:40]
	}
	if s == "" {
		s = "task"
	}
	return s
}

// fillDefaults backfills missing RawTask fields and returns it as a
// dispatch-ready task description. seq is used to generate a stable
// task-NNN id when the LLM omitted one.
func fillDefaults(rt RawTask, seq int, branchPrefix string) RawTask {
	if rt.ID == "" {
		rt.ID = fmt.Sprintf("task-%03d", seq)
	}
	if rt.Scope == nil {
		rt.Scope = []string{}
	}
	if rt.Priority == nil {
		p := 5
		rt.Priority = &p
	}
	if rt.Branch == "" {
		rt.Branch = fmt.Sprintf("%s%s-%s", branchPrefix, rt.ID, slug(rt.Description))
	}
	return rt
}
