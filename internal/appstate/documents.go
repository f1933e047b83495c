package appstate

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/calvinalkan/jsonstate/pkg/schema"
)

// ConfigV1 is the first config.json layout.
type ConfigV1 struct {
	FontSize   int    `json:"fontSize" validate:"gte=6,lte=72"`
	Theme      string `json:"theme" validate:"oneof=light dark system"`
	Spellcheck bool   `json:"spellcheck"`
}

// Config is the current config.json layout.
type Config struct {
	Editor     EditorConfig `json:"editor"`
	Theme      string       `json:"theme" validate:"oneof=light dark system"`
	Spellcheck bool         `json:"spellcheck"`
	Autosave   bool         `json:"autosave"`
}

// EditorConfig groups editor settings.
type EditorConfig struct {
	FontSize    int  `json:"fontSize" validate:"gte=6,lte=72"`
	LineNumbers bool `json:"lineNumbers"`
}

func normalizeTheme(theme *string) {
	*theme = strings.ToLower(strings.TrimSpace(*theme))
}

// ConfigChain upgrades config.json. Version 2 moves fontSize under editor.
var ConfigChain = schema.MustChain[Config](
	schema.Initial(schema.Rules[ConfigV1]{
		Defaults:  schema.Document{"fontSize": 14, "theme": "system", "spellcheck": true},
		Normalize: func(c *ConfigV1) { normalizeTheme(&c.Theme) },
	}),
	schema.Next(2, func(prev ConfigV1) (schema.Document, error) {
		return schema.Document{
			"editor":     schema.Document{"fontSize": prev.FontSize},
			"theme":      prev.Theme,
			"spellcheck": prev.Spellcheck,
		}, nil
	}, schema.Rules[Config]{
		Defaults: schema.Document{
			"editor":     schema.Document{"fontSize": 14, "lineNumbers": true},
			"theme":      "system",
			"spellcheck": true,
			"autosave":   true,
		},
		Normalize: func(c *Config) { normalizeTheme(&c.Theme) },
	}),
)

// UIV1 is the first ui.json layout.
type UIV1 struct {
	Sidebar SidebarV1 `json:"sidebar"`
}

// SidebarV1 is the sidebar before it could be hidden.
type SidebarV1 struct {
	Width  string `json:"width,omitempty"`
	Scroll int    `json:"scroll" validate:"gte=0"`
}

// UI is the current ui.json layout.
type UI struct {
	Sidebar Sidebar      `json:"sidebar"`
	Editor  EditorLayout `json:"editor"`
}

// Sidebar holds sidebar geometry.
type Sidebar struct {
	Width  string `json:"width" validate:"required"`
	Scroll int    `json:"scroll" validate:"gte=0"`
	Hidden bool   `json:"hidden"`
}

// EditorLayout holds the editor pane split.
type EditorLayout struct {
	Split string `json:"split" validate:"oneof=none vertical horizontal"`
}

// UIChain upgrades ui.json. Version 2 adds sidebar.hidden and the editor
// split.
var UIChain = schema.MustChain[UI](
	schema.Initial(schema.Rules[UIV1]{
		Defaults: schema.Document{"sidebar": schema.Document{"scroll": 0}},
	}),
	schema.Next(2, func(prev UIV1) (schema.Document, error) {
		sidebar := schema.Document{"scroll": prev.Sidebar.Scroll, "hidden": false}
		if prev.Sidebar.Width != "" {
			sidebar["width"] = prev.Sidebar.Width
		}

		return schema.Document{"sidebar": sidebar}, nil
	}, schema.Rules[UI]{
		Defaults: schema.Document{
			"sidebar": schema.Document{"width": "250px", "scroll": 0, "hidden": false},
			"editor":  schema.Document{"split": "none"},
		},
	}),
)

// Shortcuts is the shortcuts.json layout: action name to accelerator.
type Shortcuts struct {
	Bindings map[string]string `json:"bindings" validate:"dive,keys,required,endkeys,required"`
}

// normalizeAccelerator canonicalises "ctrl + shift+k" to "Ctrl+Shift+K".
func normalizeAccelerator(accel string) string {
	parts := strings.Split(accel, "+")
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if first, size := utf8.DecodeRuneInString(p); size > 0 {
			p = string(unicode.ToUpper(first)) + strings.ToLower(p[size:])
		}

		parts[i] = p
	}

	return strings.Join(parts, "+")
}

// ShortcutsChain validates shortcuts.json. One accelerator may not trigger
// two actions.
var ShortcutsChain = schema.MustChain[Shortcuts](
	schema.Initial(schema.Rules[Shortcuts]{
		Defaults: schema.Document{"bindings": schema.Document{}},
		Normalize: func(s *Shortcuts) {
			for action, accel := range s.Bindings {
				s.Bindings[action] = normalizeAccelerator(accel)
			}
		},
		Check: func(s Shortcuts) error {
			owner := make(map[string]string, len(s.Bindings))

			for _, action := range slices.Sorted(maps.Keys(s.Bindings)) {
				accel := s.Bindings[action]
				if prev, ok := owner[accel]; ok {
					return schema.FieldError("bindings."+action, "%s is already bound to %s", accel, prev)
				}

				owner[accel] = action
			}

			return nil
		},
	}),
)

// Tags is the tags.json layout.
type Tags struct {
	Tags []Tag `json:"tags" validate:"dive"`
}

// Tag labels notes.
type Tag struct {
	ID    string `json:"id" validate:"required,uuid"`
	Name  string `json:"name" validate:"required,max=64"`
	Color string `json:"color,omitempty" validate:"omitempty,hexcolor"`
}

// TagsChain validates tags.json. IDs and names (case-insensitive) are unique.
var TagsChain = schema.MustChain[Tags](
	schema.Initial(schema.Rules[Tags]{
		Defaults: schema.Document{"tags": []any{}},
		Normalize: func(t *Tags) {
			if t.Tags == nil {
				t.Tags = []Tag{}
			}

			for i := range t.Tags {
				t.Tags[i].Name = strings.TrimSpace(t.Tags[i].Name)
			}
		},
		Check: func(t Tags) error {
			ids := make(map[string]bool, len(t.Tags))
			names := make(map[string]bool, len(t.Tags))

			for i, tag := range t.Tags {
				if ids[tag.ID] {
					return schema.FieldError(fmt.Sprintf("tags.%d.id", i), "duplicate id %s", tag.ID)
				}

				key := strings.ToLower(tag.Name)
				if names[key] {
					return schema.FieldError(fmt.Sprintf("tags.%d.name", i), "duplicate name %q", tag.Name)
				}

				ids[tag.ID] = true
				names[key] = true
			}

			return nil
		},
	}),
)

// Notebooks is the notebooks.json layout.
type Notebooks struct {
	Notebooks []Notebook `json:"notebooks" validate:"dive"`
}

// Notebook is a folder of notes. Parent is empty for top-level notebooks.
type Notebook struct {
	ID     string `json:"id" validate:"required,uuid"`
	Name   string `json:"name" validate:"required,max=128"`
	Parent string `json:"parent,omitempty" validate:"omitempty,uuid"`
}

// NotebooksChain validates notebooks.json. IDs are unique and every parent
// exists without forming a cycle.
var NotebooksChain = schema.MustChain[Notebooks](
	schema.Initial(schema.Rules[Notebooks]{
		Defaults: schema.Document{"notebooks": []any{}},
		Normalize: func(n *Notebooks) {
			if n.Notebooks == nil {
				n.Notebooks = []Notebook{}
			}
		},
		Check: checkNotebooks,
	}),
)

func checkNotebooks(n Notebooks) error {
	parent := make(map[string]string, len(n.Notebooks))

	for i, nb := range n.Notebooks {
		if _, dup := parent[nb.ID]; dup {
			return schema.FieldError(fmt.Sprintf("notebooks.%d.id", i), "duplicate id %s", nb.ID)
		}

		parent[nb.ID] = nb.Parent
	}

	for i, nb := range n.Notebooks {
		if nb.Parent == "" {
			continue
		}

		path := fmt.Sprintf("notebooks.%d.parent", i)

		if _, ok := parent[nb.Parent]; !ok {
			return schema.FieldError(path, "unknown parent %s", nb.Parent)
		}

		// Walking up from nb must reach a root within len steps.
		cur := nb.Parent
		for range len(n.Notebooks) {
			if cur == "" {
				break
			}

			if cur == nb.ID {
				return schema.FieldError(path, "cycle through %s", nb.ID)
			}

			cur = parent[cur]
		}
	}

	return nil
}
