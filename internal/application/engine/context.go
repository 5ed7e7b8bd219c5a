package engine

import (
	"regexp"
	"strconv"
	"time"

	"github.com/spf13/cast"

	"github.com/alem-hub/warning-engine/internal/domain/analytics"
	"github.com/alem-hub/warning-engine/internal/domain/expression"
	"github.com/alem-hub/warning-engine/internal/domain/warning"
)

// Context keys added on top of the student features.
const (
	ctxEventType   = "eventType"
	ctxEventData   = "eventData"
	ctxCurrentTime = "currentTime"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// buildContext merges features with the event fields. Nested change data is
// also reachable under flattened "eventData.<path>" keys. features is not
// modified.
func buildContext(features map[string]any, event warning.DataChangeEvent, now time.Time) expression.Context {
	ctx := make(expression.Context, len(features)+len(event.ChangeData)+3)
	for k, v := range features {
		ctx[k] = v
	}

	data := event.ChangeData
	if data == nil {
		data = map[string]any{}
	}
	ctx[ctxEventType] = string(event.Type)
	ctx[ctxEventData] = data
	ctx[ctxCurrentTime] = now
	flatten(ctxEventData, data, ctx)

	return ctx
}

func flatten(prefix string, data map[string]any, out expression.Context) {
	for k, v := range data {
		key := prefix + "." + k
		out[key] = v
		switch v.(type) {
		case map[string]any, map[any]any:
			flatten(key, cast.ToStringMap(v), out)
		}
	}
}

// renderMessage substitutes {{name}} placeholders with context values.
// Unknown names are left in place.
func renderMessage(tpl string, ctx expression.Context) string {
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		name := placeholder.FindStringSubmatch(match)[1]
		v, ok := ctx[name]
		if !ok {
			return match
		}
		return formatValue(v)
	})
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(analytics.Round(val, 2), 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(analytics.Round(float64(val), 2), 'f', -1, 64)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return cast.ToString(v)
	}
}
