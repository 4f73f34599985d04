package telemetry

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/uselesscalc/orchestrator/internal/enricher"
	"github.com/uselesscalc/orchestrator/internal/event"
)

// Line formats understood by formatLine.
const (
	FormatJSON = "json"
	FormatText = "text"
)

// formatLine renders ev as a single newline-terminated line.
func formatLine(ev event.Event, format string) ([]byte, error) {
	record := enricher.Record(ev)
	if format == FormatText {
		line := formatText(record)
		return append(line, '\n'), nil
	}
	line, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record to JSON: %w", err)
	}
	return append(line, '\n'), nil
}

// formatText converts the record map into a simple text line format.
// Example: [TIME] KIND LEVEL: msg key=value attributes.key2=value2 ...
func formatText(record map[string]interface{}) []byte {
	var sb strings.Builder

	sb.WriteString("[")
	sb.WriteString(enricher.Timestamp(record).Format("2006-01-02T15:04:05.000Z"))
	sb.WriteString("] ")
	sb.WriteString(formatValue(record[enricher.FieldKind]))

	if level, ok := record[enricher.FieldLevel].(string); ok {
		sb.WriteString(" ")
		sb.WriteString(level)
	}
	sb.WriteString(":")

	msg := "-"
	for _, key := range []string{enricher.FieldMsg, enricher.FieldName} {
		if v, ok := record[key].(string); ok && v != "" {
			msg = v
			break
		}
	}
	sb.WriteString(" ")
	sb.WriteString(msg)

	skip := map[string]bool{
		enricher.FieldTime:       true,
		enricher.FieldKind:       true,
		enricher.FieldLevel:      true,
		enricher.FieldMsg:        true,
		enricher.FieldName:       true,
		enricher.FieldAttributes: true,
	}
	fields := make(map[string]interface{}, len(record))
	for k, v := range record {
		if !skip[k] {
			fields[k] = v
		}
	}
	if attrs, ok := record[enricher.FieldAttributes].(map[string]interface{}); ok {
		for k, v := range attrs {
			fields[enricher.FieldAttributes+"."+k] = v
		}
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		sb.WriteString(" ")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(formatValue(fields[k]))
	}

	return []byte(sb.String())
}

// formatValue converts different types to string for text logging.
func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.ContainsAny(v, " \t\n\"=") {
			return strconv.Quote(v)
		}
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return "<nil>"
	default:
		jsonBytes, err := json.Marshal(v)
		if err == nil {
			return string(jsonBytes)
		}
		return fmt.Sprintf("%v", v)
	}
}
