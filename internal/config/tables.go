package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/adlift/adferry/internal/etlerr"
	"github.com/adlift/adferry/internal/pipeline"
	"github.com/adlift/adferry/internal/processing"
	"github.com/adlift/adferry/internal/warehouse"
)

// PlatformTables is one platform's declarative table document. When a
// platform entry names a config_file, the document loaded from it
// replaces the platform's built-in table spec.
type PlatformTables struct {
	Platform string
	BaseURL  string
	Accounts []string
	Spec     pipeline.PlatformSpec
}

type tablesYAML struct {
	Platform struct {
		Name     string   `yaml:"name"`
		BaseURL  string   `yaml:"api_base_url"`
		Accounts []string `yaml:"accounts"`
	} `yaml:"platform"`
	Tables []tableYAML `yaml:"tables"`
}

type tableYAML struct {
	Name     string   `yaml:"name"`
	Request  string   `yaml:"request"`
	Type     string   `yaml:"type"` // legacy alias for load_mode
	PageSize int      `yaml:"page_size"`
	Day      int      `yaml:"day"`
	Fields   []string `yaml:"fields"`

	Processing stepList `yaml:"processing"`

	LoadMode         string   `yaml:"load_mode"`
	PKColumns        []string `yaml:"pk_columns"`
	IncrementColumns []string `yaml:"increment_columns"`

	Append    *loadBlock `yaml:"append"`
	Replace   *loadBlock `yaml:"replace"`
	Upsert    *loadBlock `yaml:"upsert"`
	Increment *loadBlock `yaml:"increment"`

	DependsOn []string    `yaml:"depends_on"`
	Critical  bool        `yaml:"critical"`
	Driver    *driverYAML `yaml:"driver"`
}

type loadBlock struct {
	PKColumns        []string `yaml:"pk_columns"`
	IncrementColumns []string `yaml:"increment_columns"`
}

type driverYAML struct {
	Table        string `yaml:"table"`
	KeyColumn    string `yaml:"key_column"`
	DateColumn   string `yaml:"date_column"`
	LookbackDays int    `yaml:"lookback_days"`
	Filter       string `yaml:"filter"`
}

// stepList accepts both spellings of a chain entry: a bare step name,
// or a single-key map of name to params.
type stepList []processing.StepConfig

func (s *stepList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.SequenceNode {
		return fmt.Errorf("processing: expected a list at line %d", node.Line)
	}
	for _, item := range node.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			var name string
			if err := item.Decode(&name); err != nil {
				return err
			}
			*s = append(*s, processing.StepConfig{Name: name})
		case yaml.MappingNode:
			if len(item.Content) != 2 {
				return fmt.Errorf("processing: entry at line %d must hold exactly one step", item.Line)
			}
			var name string
			if err := item.Content[0].Decode(&name); err != nil {
				return err
			}
			// Decode into a plain map: yaml.v3 reuses a named map type
			// for nested mappings, and Params consumers type-switch on
			// map[string]any.
			var params map[string]any
			if err := item.Content[1].Decode(&params); err != nil {
				return fmt.Errorf("processing %s: %w", name, err)
			}
			*s = append(*s, processing.StepConfig{Name: name, Params: params})
		default:
			return fmt.Errorf("processing: unexpected entry at line %d", item.Line)
		}
	}
	return nil
}

// LoadPlatformTables reads and validates a platform table document.
// Step names are resolved against the processing registry and load
// modes against the warehouse, so a typo fails the run before any
// extraction starts.
func LoadPlatformTables(path string) (*PlatformTables, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, etlerr.Config("config.tables", err)
	}
	defer f.Close()
	return parsePlatformTables(f, path)
}

func parsePlatformTables(r io.Reader, path string) (*PlatformTables, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc tablesYAML
	if err := dec.Decode(&doc); err != nil {
		return nil, etlerr.Config("config.tables", fmt.Errorf("parse %s: %w", path, err))
	}
	if doc.Platform.Name == "" {
		return nil, etlerr.Configf("config.tables", "%s: platform.name is required", path)
	}
	if len(doc.Tables) == 0 {
		return nil, etlerr.Configf("config.tables", "%s: no tables declared", path)
	}

	pt := &PlatformTables{
		Platform: doc.Platform.Name,
		BaseURL:  doc.Platform.BaseURL,
		Accounts: doc.Platform.Accounts,
		Spec:     pipeline.PlatformSpec{Name: doc.Platform.Name},
	}

	declared := map[string]bool{}
	for _, t := range doc.Tables {
		if t.Name == "" {
			return nil, etlerr.Configf("config.tables", "%s: every table needs a name", path)
		}
		if declared[t.Name] {
			return nil, etlerr.Configf("config.tables", "%s: table %q declared twice", path, t.Name)
		}
		declared[t.Name] = true

		spec, err := t.toSpec()
		if err != nil {
			return nil, etlerr.Config("config.tables", fmt.Errorf("%s: table %s: %w", path, t.Name, err))
		}
		pt.Spec.Tables = append(pt.Spec.Tables, spec)
	}

	for _, t := range pt.Spec.Tables {
		for _, dep := range t.DependsOn {
			if !declared[dep] {
				return nil, etlerr.Configf("config.tables",
					"%s: table %s depends on undeclared table %q", path, t.Name, dep)
			}
		}
	}
	return pt, nil
}

func (t tableYAML) toSpec() (pipeline.TableSpec, error) {
	spec := pipeline.TableSpec{
		Name:         t.Name,
		Path:         t.Request,
		Fields:       t.Fields,
		PageSize:     t.PageSize,
		LookbackDays: t.Day,
		Processing:   []processing.StepConfig(t.Processing),
		DependsOn:    t.DependsOn,
		Critical:     t.Critical,
	}
	if len(t.Fields) == 0 {
		return spec, fmt.Errorf("fields are required")
	}
	if t.Day < 0 {
		return spec, fmt.Errorf("day must not be negative")
	}

	// Resolving the chain validates every step name in one shot.
	if _, err := processing.New(spec.Processing); err != nil {
		return spec, err
	}

	load, err := t.load()
	if err != nil {
		return spec, err
	}
	spec.Load = load

	if t.Driver != nil {
		if t.Driver.Table == "" {
			return spec, fmt.Errorf("driver.table is required")
		}
		spec.Driver = &pipeline.DriverQuery{
			Table:        t.Driver.Table,
			KeyColumn:    t.Driver.KeyColumn,
			DateColumn:   t.Driver.DateColumn,
			LookbackDays: t.Driver.LookbackDays,
			Extra:        t.Driver.Filter,
		}
	}
	return spec, nil
}

// load resolves the two load-mode spellings: a load_mode scalar (with
// optional top-level pk_columns and increment_columns) or a block keyed
// by the mode itself. The legacy type key counts as a load_mode scalar.
func (t tableYAML) load() (warehouse.Options, error) {
	var opts warehouse.Options
	declared := 0

	scalar := t.LoadMode
	if scalar == "" {
		scalar = t.Type
	} else if t.Type != "" && t.Type != t.LoadMode {
		return opts, fmt.Errorf("type %q conflicts with load_mode %q", t.Type, t.LoadMode)
	}
	if scalar != "" {
		mode, err := warehouse.ParseLoadMode(scalar)
		if err != nil {
			return opts, err
		}
		opts = warehouse.Options{
			Mode:             mode,
			PKColumns:        t.PKColumns,
			IncrementColumns: t.IncrementColumns,
		}
		declared++
	}

	blocks := []struct {
		mode  warehouse.LoadMode
		block *loadBlock
	}{
		{warehouse.ModeAppend, t.Append},
		{warehouse.ModeReplace, t.Replace},
		{warehouse.ModeUpsert, t.Upsert},
		{warehouse.ModeIncrement, t.Increment},
	}
	for _, b := range blocks {
		if b.block == nil {
			continue
		}
		opts = warehouse.Options{
			Mode:             b.mode,
			PKColumns:        b.block.PKColumns,
			IncrementColumns: b.block.IncrementColumns,
		}
		declared++
	}

	switch declared {
	case 0:
		return opts, fmt.Errorf("declare load_mode or one mode block")
	case 1:
	default:
		return opts, fmt.Errorf("declare one load mode, not %d", declared)
	}
	if opts.Mode == warehouse.ModeIncrement && len(opts.IncrementColumns) == 0 {
		return opts, fmt.Errorf("increment mode needs increment_columns")
	}
	return opts, nil
}
