package source

import (
	"fmt"
	"log/slog"
)

// Selector enumerates sources from a Platform and applies the window filter.
type Selector struct {
	platform Platform
	filter   Filter
	logger   *slog.Logger
}

// NewSelector returns a Selector using DefaultRules.
func NewSelector(p Platform, logger *slog.Logger) *Selector {
	return &Selector{platform: p, filter: Filter{Rules: DefaultRules()}, logger: logger}
}

// WithRules replaces the exclusion rules and returns s.
func (s *Selector) WithRules(rules []Rule) *Selector {
	s.filter = Filter{Rules: rules}
	return s
}

// Windows returns the windows that survive the filter, in enumeration order.
func (s *Selector) Windows() ([]Source, error) {
	handles, err := s.platform.WindowHandles()
	if err != nil {
		return nil, fmt.Errorf("source: enumerate windows: %w", err)
	}
	out := make([]Source, 0, len(handles))
	for _, h := range handles {
		ok, rule := s.filter.Evaluate(s.platform, h)
		if !ok {
			if s.logger != nil {
				s.logger.Debug("window rejected", "hwnd", h, "rule", rule)
			}
			continue
		}
		out = append(out, Source{Kind: KindWindow, Handle: h, Title: s.platform.Title(h)})
	}
	return out, nil
}

// Monitors returns every monitor; monitors are not filtered.
func (s *Selector) Monitors() ([]Source, error) {
	mons, err := s.platform.Monitors()
	if err != nil {
		return nil, fmt.Errorf("source: enumerate monitors: %w", err)
	}
	return mons, nil
}

// Pick enumerates sources of the given kind and selects one. Windows are
// chosen by title prefix (empty prefix takes the first); monitors by index,
// falling back to the first monitor when index is out of range.
func (s *Selector) Pick(kind Kind, prefix string, index int) (Source, bool, error) {
	switch kind {
	case KindMonitor:
		mons, err := s.Monitors()
		if err != nil {
			return Source{}, false, err
		}
		if index >= 0 && index < len(mons) {
			return mons[index], true, nil
		}
		src, ok := Select(mons, nil)
		return src, ok, nil
	default:
		wins, err := s.Windows()
		if err != nil {
			return Source{}, false, err
		}
		var pred Predicate
		if prefix != "" {
			pred = TitlePrefix(prefix)
		}
		src, ok := Select(wins, pred)
		return src, ok, nil
	}
}
