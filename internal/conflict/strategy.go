// Package conflict reconciles edits made while disconnected with
// server-side changes.
//
// Policy is data: each table declares a Strategy (local, remote, merge, or
// manual, plus optional field-level rules) and one generic interpreter
// applies it. Strategies are static configuration, loadable from a YAML
// document, and are never mutated at runtime.
package conflict

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Resolution selects the overall reconciliation policy for a table.
type Resolution string

const (
	// ResolutionLocal keeps the device's version unchanged.
	ResolutionLocal Resolution = "local"
	// ResolutionRemote keeps the server's version unchanged.
	ResolutionRemote Resolution = "remote"
	// ResolutionMerge combines both versions field by field.
	ResolutionMerge Resolution = "merge"
	// ResolutionManual defers to a human. No interactive flow exists;
	// it degrades to remote-wins with a logged notice.
	ResolutionManual Resolution = "manual"
)

// MergeFunc combines one field's local and remote values.
type MergeFunc func(local, remote any) any

// Strategy is the declarative per-table reconciliation policy.
//
// During a merge, mergeRules run first, then preferLocal fields are
// overwritten with local values, then preferRemote fields with remote
// values. preferRemote is applied last so it wins over both mergeRules and
// preferLocal for the same field; that ordering is load-bearing.
type Strategy struct {
	DefaultResolution Resolution
	MergeRules        map[string]MergeFunc
	PreferLocal       []string
	PreferRemote      []string
}

// Strategies maps table names to their policies.
type Strategies struct {
	byTable  map[string]Strategy
	fallback Strategy
}

// NewStrategies builds a strategy set. Tables without an entry fall back
// to remote-wins: the office's copy is assumed authoritative unless a
// table declares otherwise.
func NewStrategies(byTable map[string]Strategy) *Strategies {
	if byTable == nil {
		byTable = make(map[string]Strategy)
	}
	return &Strategies{
		byTable:  byTable,
		fallback: Strategy{DefaultResolution: ResolutionRemote},
	}
}

// For returns the strategy for a table.
func (s *Strategies) For(table string) Strategy {
	if st, ok := s.byTable[table]; ok {
		return st
	}
	return s.fallback
}

// Tables returns the table names with explicit strategies, sorted.
func (s *Strategies) Tables() []string {
	out := make([]string, 0, len(s.byTable))
	for t := range s.byTable {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// --- named merge functions ---
//
// YAML strategy documents reference merge rules by name; the registry maps
// those names to functions. A handful of generic combiners are built in.

var mergeRegistry = map[string]MergeFunc{
	"local":  func(local, _ any) any { return local },
	"remote": func(_, remote any) any { return remote },
	"max":    mergeMax,
	"union":  mergeUnion,
}

// RegisterMergeFunc adds (or replaces) a named merge function available to
// YAML strategy documents. Call before LoadFile.
func RegisterMergeFunc(name string, fn MergeFunc) {
	mergeRegistry[name] = fn
}

// mergeMax keeps the numerically larger value; non-numbers fall back to
// the remote value.
func mergeMax(local, remote any) any {
	lf, lok := asFloat(local)
	rf, rok := asFloat(remote)
	if lok && rok {
		if lf > rf {
			return local
		}
		return remote
	}
	return remote
}

// mergeUnion combines two list-valued fields, preserving remote order and
// appending local-only elements.
func mergeUnion(local, remote any) any {
	ll, lok := local.([]any)
	rl, rok := remote.([]any)
	if !lok || !rok {
		return remote
	}
	seen := make(map[string]bool, len(rl))
	out := make([]any, 0, len(rl)+len(ll))
	for _, v := range rl {
		seen[fmt.Sprintf("%v", v)] = true
		out = append(out, v)
	}
	for _, v := range ll {
		if !seen[fmt.Sprintf("%v", v)] {
			out = append(out, v)
		}
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// --- YAML configuration ---

type strategyFile struct {
	Tables map[string]tableStrategyYAML `yaml:"tables"`
}

type tableStrategyYAML struct {
	Resolution   string            `yaml:"resolution"`
	PreferLocal  []string          `yaml:"prefer_local"`
	PreferRemote []string          `yaml:"prefer_remote"`
	MergeRules   map[string]string `yaml:"merge_rules"`
}

// LoadFile reads a YAML strategy document.
//
// Example document:
//
//	tables:
//	  time_entries:
//	    resolution: merge
//	    prefer_local: [total_hours, start_time, end_time]
//	    prefer_remote: [job_id]
//	  jobs:
//	    resolution: remote
func LoadFile(path string) (*Strategies, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML strategy document.
func Parse(data []byte) (*Strategies, error) {
	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse strategy config: %w", err)
	}

	byTable := make(map[string]Strategy, len(file.Tables))
	for table, raw := range file.Tables {
		st, err := raw.toStrategy()
		if err != nil {
			return nil, fmt.Errorf("strategy for table %s: %w", table, err)
		}
		byTable[table] = st
	}
	return NewStrategies(byTable), nil
}

func (raw tableStrategyYAML) toStrategy() (Strategy, error) {
	res := Resolution(raw.Resolution)
	switch res {
	case ResolutionLocal, ResolutionRemote, ResolutionMerge, ResolutionManual:
	case "":
		res = ResolutionRemote
	default:
		return Strategy{}, fmt.Errorf("unknown resolution %q", raw.Resolution)
	}

	st := Strategy{
		DefaultResolution: res,
		PreferLocal:       raw.PreferLocal,
		PreferRemote:      raw.PreferRemote,
	}
	if len(raw.MergeRules) > 0 {
		st.MergeRules = make(map[string]MergeFunc, len(raw.MergeRules))
		for field, name := range raw.MergeRules {
			fn, ok := mergeRegistry[name]
			if !ok {
				return Strategy{}, fmt.Errorf("unknown merge function %q for field %s", name, field)
			}
			st.MergeRules[field] = fn
		}
	}
	return st, nil
}

// Defaults returns the built-in per-table strategies for the field
// application: time-entry edits prefer local field values (the field device
// is authoritative for hours worked) while job and budget metadata prefer
// remote (office edits win over stale field caches).
func Defaults() *Strategies {
	return NewStrategies(map[string]Strategy{
		"time_entries": {
			DefaultResolution: ResolutionMerge,
			PreferLocal:       []string{"total_hours", "start_time", "end_time", "crew_notes"},
			PreferRemote:      []string{"job_id", "approved", "approved_by"},
		},
		"material_entries": {
			DefaultResolution: ResolutionMerge,
			PreferLocal:       []string{"quantity", "unit", "crew_notes"},
			PreferRemote:      []string{"unit_cost", "budget_line_id"},
		},
		"daily_logs": {
			DefaultResolution: ResolutionLocal,
		},
		"jobs": {
			DefaultResolution: ResolutionRemote,
		},
		"customers": {
			DefaultResolution: ResolutionRemote,
		},
	})
}
