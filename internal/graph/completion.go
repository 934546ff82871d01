package graph

import (
	"strings"
	"time"

	"github.com/petrijr/trailhead/pkg/api"
)

// Unmet describes why a step cannot close yet.
type Unmet struct {
	Code   api.StepErrorCode
	Fields []string
}

// CheckCompletion reports whether the submitted data closes step for a
// session that entered it at enteredAt. It returns nil when the step may
// close.
func CheckCompletion(step api.Step, data map[string]any, enteredAt, now time.Time) *Unmet {
	switch step.Kind {
	case api.StepForm:
		if step.Form == nil {
			return nil
		}
		var missing []string
		for _, f := range step.Form.Required {
			if !present(data, f) {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return &Unmet{Code: api.StepMissingFields, Fields: missing}
		}

	case api.StepTask:
		if step.Task != nil && !Truthy(data[step.Task.Criteria]) {
			return &Unmet{Code: api.StepCriteriaUnmet, Fields: []string{step.Task.Criteria}}
		}

	case api.StepWait:
		if step.Wait == nil {
			return nil
		}
		durationOK := step.Wait.MinDuration > 0 && now.Sub(enteredAt) >= step.Wait.MinDuration
		eventOK := step.Wait.Event != "" && Truthy(data[step.Wait.Event])
		if !durationOK && !eventOK {
			var waiting []string
			if step.Wait.MinDuration > 0 {
				waiting = append(waiting, "min_duration="+step.Wait.MinDuration.String())
			}
			if step.Wait.Event != "" {
				waiting = append(waiting, step.Wait.Event)
			}
			return &Unmet{Code: api.StepNotReady, Fields: waiting}
		}
	}
	return nil
}

func present(data map[string]any, field string) bool {
	v, ok := data[field]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// Truthy reports whether a submitted token counts as satisfied: present and
// not false, zero, or an empty / "false" / "0" string.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		s := strings.TrimSpace(strings.ToLower(x))
		return s != "" && s != "false" && s != "0" && s != "no"
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}
