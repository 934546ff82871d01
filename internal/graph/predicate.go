package graph

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/petrijr/trailhead/pkg/api"
)

// Eval evaluates a single predicate. Comparisons are numeric when both sides
// parse as numbers and lexical otherwise. A missing field satisfies only
// OpMissing.
func Eval(p api.Predicate, env Env) bool {
	v, present := lookup(p.Field, env)

	switch p.Op {
	case api.OpExists:
		return present
	case api.OpMissing:
		return !present
	}
	if !present {
		return false
	}

	actual := stringify(v)
	switch p.Op {
	case api.OpEq:
		return compare(actual, p.Value) == 0
	case api.OpNe:
		return compare(actual, p.Value) != 0
	case api.OpGt:
		return compare(actual, p.Value) > 0
	case api.OpGte:
		return compare(actual, p.Value) >= 0
	case api.OpLt:
		return compare(actual, p.Value) < 0
	case api.OpLte:
		return compare(actual, p.Value) <= 0
	case api.OpIn:
		for _, candidate := range strings.Split(p.Value, ",") {
			if compare(actual, strings.TrimSpace(candidate)) == 0 {
				return true
			}
		}
	}
	return false
}

func lookup(field string, env Env) (any, bool) {
	switch field {
	case api.AttrVariant:
		return env.Variant, true
	case api.AttrElapsed:
		return env.Elapsed.Seconds(), true
	}
	v, ok := env.Data[field]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

func compare(a, b string) int {
	af, aerr := strconv.ParseFloat(a, 64)
	bf, berr := strconv.ParseFloat(b, 64)
	if aerr == nil && berr == nil {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	return strings.Compare(a, b)
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	}
	return fmt.Sprint(v)
}
