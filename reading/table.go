package reading

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mjasion/meterlink/device"
)

// Format is the payload encoding of a family.
type Format string

const (
	FormatJSON Format = "json"
	FormatTag  Format = "tag"
)

// Table maps payload keys onto reading fields for one family. Each field lists
// its source keys in priority order; the first key present wins.
type Table struct {
	Format  Format                 `yaml:"format"`
	Numeric map[Field][]string     `yaml:"numeric"`
	Flags   map[Flag][]string      `yaml:"flags"`
	Text    map[TextField][]string `yaml:"text"`
}

// Validate checks that the table names known fields only.
func (t Table) Validate() error {
	if t.Format != FormatJSON && t.Format != FormatTag {
		return fmt.Errorf("unknown format %q", t.Format)
	}
	for f := range t.Numeric {
		if !contains(Fields, f) {
			return fmt.Errorf("unknown numeric field %q", f)
		}
	}
	for f := range t.Flags {
		if !contains(Flags, f) {
			return fmt.Errorf("unknown flag %q", f)
		}
	}
	for f := range t.Text {
		if !contains(TextFields, f) {
			return fmt.Errorf("unknown text field %q", f)
		}
	}
	return nil
}

func contains[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// Tables holds the mapping table of every known family.
type Tables map[device.Family]Table

var jsonTable = Table{
	Format: FormatJSON,
	Numeric: map[Field][]string{
		ActiveEnergy:   {"aEnergy"},
		ReactiveEnergy: {"rEnergy"},
		Voltage:        {"voltage"},
		Current:        {"current"},
		PowerFactor:    {"powerF"},
		Frequency:      {"frequency"},
		ActivePower:    {"aPower", "power"},
		ReactivePower:  {"rPower"},
		PhaseAngle:     {"phase"},
	},
	Flags: map[Flag][]string{
		Output: {"relay"},
		Tamper: {"fAlert"},
		Access: {"access"},
	},
	Text: map[TextField][]string{
		Serial:     {"num", "serialNumber"},
		DeviceTime: {"DateTime"},
		TamperTime: {"fAlertDateTime"},
	},
}

// DefaultTables returns the built-in tables. The open JSON family shares the
// current firmware's keys but never reports access.
func DefaultTables() Tables {
	open := cloneTable(jsonTable)
	delete(open.Flags, Access)

	return Tables{
		device.FamilyJSON: cloneTable(jsonTable),
		device.FamilyOpen: open,
		device.FamilyLegacyTag: {
			Format: FormatTag,
			Numeric: map[Field][]string{
				ActiveEnergy:   {"ActiveEnergy", "Energy"},
				ReactiveEnergy: {"ReactiveEnergy"},
				Voltage:        {"Voltage"},
				Current:        {"Current"},
				PowerFactor:    {"PowerFactor"},
				Frequency:      {"Frequency"},
				ActivePower:    {"ActivePower", "Power"},
				ReactivePower:  {"ReactivePower"},
				PhaseAngle:     {"Phase"},
			},
			Flags: map[Flag][]string{
				Output: {"Relay"},
				Tamper: {"Alert", "Fraud"},
			},
			Text: map[TextField][]string{
				Serial:     {"Serial"},
				DeviceTime: {"DateTime"},
				TamperTime: {"AlertDateTime"},
			},
		},
	}
}

func cloneTable(t Table) Table {
	out := Table{
		Format:  t.Format,
		Numeric: make(map[Field][]string, len(t.Numeric)),
		Flags:   make(map[Flag][]string, len(t.Flags)),
		Text:    make(map[TextField][]string, len(t.Text)),
	}
	for k, v := range t.Numeric {
		out.Numeric[k] = append([]string(nil), v...)
	}
	for k, v := range t.Flags {
		out.Flags[k] = append([]string(nil), v...)
	}
	for k, v := range t.Text {
		out.Text[k] = append([]string(nil), v...)
	}
	return out
}

type tablesFile struct {
	Families map[device.Family]Table `yaml:"families"`
}

// LoadTables reads tables from a YAML file and merges them over the defaults.
// A family present in the file replaces the built-in table, so a firmware
// revision that renames keys only needs a new file.
func LoadTables(path string) (Tables, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping tables: %w", err)
	}
	return ParseTables(b)
}

// ParseTables is LoadTables on an in-memory document.
func ParseTables(b []byte) (Tables, error) {
	var file tablesFile
	if err := yaml.Unmarshal(b, &file); err != nil {
		return nil, fmt.Errorf("failed to parse mapping tables: %w", err)
	}

	tables := DefaultTables()
	for family, table := range file.Families {
		if !family.Valid() {
			return nil, fmt.Errorf("mapping table for unknown family %q", family)
		}
		if err := table.Validate(); err != nil {
			return nil, fmt.Errorf("mapping table %s: %w", family, err)
		}
		tables[family] = table
	}
	return tables, nil
}
