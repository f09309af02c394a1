package models

import (
	"errors"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// SearchMode selects which backend pipeline processes a user message. Every mode shares the same request shape, only
// the endpoint differs.
type SearchMode int

const (
	// SearchModeNormal is a plain chat completion.
	SearchModeNormal SearchMode = iota
	// SearchModeKnowledgeBase answers with retrieval over the server's knowledge base.
	SearchModeKnowledgeBase
	// SearchModeWeb answers with an internet search.
	SearchModeWeb
)

// ErrUnknownSearchMode is returned when a search mode name or value is not recognized.
var ErrUnknownSearchMode = errors.New("unknown search mode")

var searchModeNames = map[SearchMode]string{
	SearchModeNormal:        "normal",
	SearchModeKnowledgeBase: "knowledge_base",
	SearchModeWeb:           "web",
}

// SearchModes lists every supported mode in display order.
func SearchModes() []SearchMode {
	return []SearchMode{SearchModeNormal, SearchModeKnowledgeBase, SearchModeWeb}
}

// Valid reports whether m is one of the known modes.
func (m SearchMode) Valid() bool {
	_, ok := searchModeNames[m]
	return ok
}

func (m SearchMode) String() string {
	if name, ok := searchModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SearchMode(%d)", int(m))
}

// ParseSearchMode parses the textual form of a search mode. Matching is case-insensitive and accepts a few aliases
// ("kb", "rag", "internet").
func ParseSearchMode(s string) (SearchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal", "chat":
		return SearchModeNormal, nil
	case "knowledge_base", "knowledge-base", "kb", "rag":
		return SearchModeKnowledgeBase, nil
	case "web", "internet":
		return SearchModeWeb, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSearchMode, s)
}

// MarshalText implements encoding.TextMarshaler.
func (m SearchMode) MarshalText() ([]byte, error) {
	name, ok := searchModeNames[m]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSearchMode, int(m))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *SearchMode) UnmarshalText(text []byte) error {
	mode, err := ParseSearchMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// UnmarshalYAML lets configuration files name the default mode.
func (m *SearchMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return m.UnmarshalText([]byte(s))
}
