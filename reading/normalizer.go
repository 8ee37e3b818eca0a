package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/mjasion/meterlink/device"
	"github.com/mjasion/meterlink/pkg/clock"
)

var (
	errEmpty     = errors.New("empty payload")
	errNotObject = errors.New("payload is not a JSON object")
	errNoTags    = errors.New("no tag-delimited fields")
)

var tagPair = regexp.MustCompile(`<([A-Za-z_][\w.-]*)>([^<]*)</([A-Za-z_][\w.-]*)>`)

// Normalizer converts raw payloads into Readings using per-family tables.
type Normalizer struct {
	tables Tables
	clock  clock.Clock
}

// NewNormalizer creates a new Normalizer. Nil tables means DefaultTables.
func NewNormalizer(tables Tables, clk clock.Clock) *Normalizer {
	if tables == nil {
		tables = DefaultTables()
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Normalizer{tables: tables, clock: clk}
}

// Normalize parses raw as a payload of the given family. A payload that
// cannot be parsed at all is a MalformedDataError; individual missing or
// non-numeric fields default to zero.
func (n *Normalizer) Normalize(raw []byte, family device.Family) (Reading, error) {
	const op = "normalize"

	table, ok := n.tables[family]
	if !ok {
		return Reading{}, device.MalformedDataError(op, fmt.Errorf("no mapping table for family %q", family))
	}

	var (
		values map[string]any
		err    error
	)
	switch table.Format {
	case FormatTag:
		values, err = decodeTags(raw)
	default:
		values, err = decodeJSON(raw)
	}
	if err != nil {
		return Reading{}, device.MalformedDataError(op, err)
	}

	r := Reading{
		CapturedAt: n.clock.Now(),
		Family:     family,
	}
	for _, f := range Fields {
		v, _ := lookup(values, table.Numeric[f])
		*r.numeric(f) = Round2(ParseNumber(v))
	}
	for _, f := range TextFields {
		v, _ := lookup(values, table.Text[f])
		*r.text(f) = Text(v)
	}
	if r.Serial == "" {
		r.Serial = UnknownSerial
	}

	if v, ok := lookup(values, table.Flags[Output]); ok {
		r.Output = Truthy(v)
	}
	if v, ok := lookup(values, table.Flags[Tamper]); ok {
		r.Tamper = Truthy(v)
	}
	if v, ok := lookup(values, table.Flags[Access]); ok {
		access := Truthy(v)
		r.Access = &access
	}

	return r, nil
}

// lookup returns the first present key. A JSON null counts as absent.
func lookup(values map[string]any, keys []string) (any, bool) {
	for _, key := range keys {
		if v, ok := values[key]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func decodeJSON(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errEmpty
	}
	if trimmed[0] != '{' {
		return nil, errNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var values map[string]any
	if err := dec.Decode(&values); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return values, nil
}

func decodeTags(raw []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errEmpty
	}

	values := make(map[string]any)
	for _, m := range tagPair.FindAllSubmatch(trimmed, -1) {
		if !bytes.Equal(m[1], m[3]) {
			continue
		}
		name := string(m[1])
		if _, seen := values[name]; !seen {
			values[name] = string(bytes.TrimSpace(m[2]))
		}
	}
	if len(values) == 0 {
		return nil, errNoTags
	}
	return values, nil
}
