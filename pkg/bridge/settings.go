package bridge

import (
	"fmt"

	"github.com/stackshq/stacks/pkg/bus"
)

// SettingsClass is the metadata class holding org-scoped configuration
// values: rows of {org_unit, name, value}.
const SettingsClass = "aous"

// Settings batch-fetches named configuration values scoped to an org unit.
// Fetched values are cached per instance; instances are session-scoped and
// never shared.
type Settings struct {
	editor Editor
	orgID  int64
	values map[string]any
}

// NewSettings builds a settings view over the given editor.
func NewSettings(editor Editor) *Settings {
	return &Settings{editor: editor, values: make(map[string]any)}
}

// SetOrgID scopes subsequent fetches to an org unit. Changing org clears
// the cache.
func (s *Settings) SetOrgID(orgID int64) {
	if s.orgID != orgID {
		s.values = make(map[string]any)
	}
	s.orgID = orgID
}

// OrgID returns the current org scope.
func (s *Settings) OrgID() int64 { return s.orgID }

// FetchValues pre-caches the named settings in one pass.
func (s *Settings) FetchValues(names ...string) error {
	if s.orgID == 0 {
		return fmt.Errorf("bridge: settings org unit not set")
	}

	var missing []string
	for _, name := range names {
		if _, ok := s.values[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	rows, err := s.editor.Search(SettingsClass, map[string]any{"org_unit": s.orgID})
	if err != nil {
		return fmt.Errorf("bridge: fetching settings: %w", err)
	}

	byName := make(map[string]any, len(rows))
	for _, row := range rows {
		name, err := bus.Str(row["name"])
		if err != nil {
			continue
		}
		byName[name] = row["value"]
	}

	for _, name := range missing {
		s.values[name] = byName[name] // nil for unset settings
	}
	return nil
}

// Value returns one setting, fetching it on demand. Unset settings yield
// nil.
func (s *Settings) Value(name string) (any, error) {
	if v, ok := s.values[name]; ok {
		return v, nil
	}
	if err := s.FetchValues(name); err != nil {
		return nil, err
	}
	return s.values[name], nil
}
