package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Options captures the address filtering configuration.
type Options struct {
	IncludeAddress []string
	ExcludeAddress []string
}

// Filter decides which decoded mailbox addresses may trigger a mail check.
type Filter struct {
	include []*regexp.Regexp
	exclude []*regexp.Regexp
	hits    map[string]int
}

// Stats reports how often each pattern matched.
type Stats struct {
	IncludePatterns []string
	IncludeHits     []int
	ExcludePatterns []string
	ExcludeHits     []int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	include, err := compilePatterns(opts.IncludeAddress)
	if err != nil {
		return nil, fmt.Errorf("compile include-address pattern: %w", err)
	}
	exclude, err := compilePatterns(opts.ExcludeAddress)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-address pattern: %w", err)
	}
	if len(include) > 0 && len(exclude) > 0 {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		include: include,
		exclude: exclude,
		hits:    make(map[string]int),
	}, nil
}

// Allows returns true if the address passes the filter criteria. A nil
// Filter allows everything. Allows is not safe for concurrent use.
func (f *Filter) Allows(address string) bool {
	if f == nil {
		return true
	}

	address = strings.ToLower(address)
	if len(f.include) > 0 {
		return f.matchAny(f.include, address)
	}
	if len(f.exclude) > 0 && f.matchAny(f.exclude, address) {
		return false
	}
	return true
}

// GetStats returns the per-pattern hit counts.
func (f *Filter) GetStats() Stats {
	var s Stats
	for _, re := range f.include {
		s.IncludePatterns = append(s.IncludePatterns, re.String())
		s.IncludeHits = append(s.IncludeHits, f.hits[re.String()])
	}
	for _, re := range f.exclude {
		s.ExcludePatterns = append(s.ExcludePatterns, re.String())
		s.ExcludeHits = append(s.ExcludeHits, f.hits[re.String()])
	}
	return s
}

func (f *Filter) matchAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			f.hits[re.String()]++
			return true
		}
	}
	return false
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}
