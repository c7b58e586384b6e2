package composer

import (
	"fmt"
	"time"
)

// Strategy decides what happens when a later server exports a name that is
// already taken in a category.
type Strategy string

const (
	StrategyPrefix   Strategy = "prefix"
	StrategySuffix   Strategy = "suffix"
	StrategyIgnore   Strategy = "ignore"
	StrategyOverride Strategy = "override"
	StrategyError    Strategy = "error"
)

// ParseStrategy maps a config string to a strategy; empty means prefix.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyPrefix, nil
	case StrategyPrefix, StrategySuffix, StrategyIgnore, StrategyOverride, StrategyError:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict resolution strategy %q", s)
}

// ConflictRecord documents one resolved collision. Records are appended
// and never modified.
type ConflictRecord struct {
	Category       Category  `json:"category"`
	OriginalName   string    `json:"original_name"`
	ResolvedName   string    `json:"resolved_name"`
	Server         string    `json:"server"`
	Strategy       Strategy  `json:"strategy"`
	PreviousSource string    `json:"previous_source,omitempty"`
	At             time.Time `json:"at"`
}

// resolution is the outcome for one candidate name.
type resolution struct {
	name   string
	keep   bool
	record *ConflictRecord
}

// resolve picks the name candidate will be registered under in reg.
// original is the name the server exported, which differs from candidate
// in namespace mode. taken extends the registry with names already claimed
// in the current batch.
func resolve(reg *NamespaceRegistry, strategy Strategy, server, original, candidate string, taken func(string) bool) (resolution, error) {
	inUse := func(n string) bool { return reg.Has(n) || (taken != nil && taken(n)) }
	if !inUse(candidate) {
		return resolution{name: candidate, keep: true}, nil
	}
	owner, _ := reg.Source(candidate)
	rec := &ConflictRecord{
		Category:     reg.Category(),
		OriginalName: original,
		Server:       server,
		Strategy:     strategy,
		At:           time.Now(),
	}

	switch strategy {
	case StrategyPrefix, StrategySuffix:
		base := server + "_" + candidate
		if strategy == StrategySuffix {
			base = candidate + "_" + server
		}
		name := base
		for i := 1; inUse(name); i++ {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		rec.ResolvedName = name
		return resolution{name: name, keep: true, record: rec}, nil
	case StrategyIgnore:
		return resolution{name: candidate}, nil
	case StrategyOverride:
		rec.ResolvedName = candidate
		rec.PreviousSource = owner
		return resolution{name: candidate, keep: true, record: rec}, nil
	case StrategyError:
		return resolution{}, &ConflictError{Category: reg.Category(), Name: candidate, Servers: [2]string{owner, server}}
	}
	return resolution{}, fmt.Errorf("unknown conflict resolution strategy %q", strategy)
}
