// Package metadata holds the object-class registry shared by every service
// in the platform: which classes exist, which service controls each, and the
// dotted mapper names used to synthesize per-class API methods.
//
// The registry is loaded once at process startup and never mutated after;
// workers share it by reference with no synchronization.
package metadata

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
)

// Field describes one attribute of an object class.
type Field struct {
	Name     string `json:"name"`
	Label    string `json:"label,omitempty"`
	Datatype string `json:"datatype,omitempty"`
	Virtual  bool   `json:"virtual,omitempty"`
}

// Class describes one backend object class.
type Class struct {
	Name        string   `json:"name"`
	Label       string   `json:"label,omitempty"`
	Controllers []string `json:"controllers,omitempty"`
	Mapper      string   `json:"mapper,omitempty"`
	Fields      []Field  `json:"fields,omitempty"`
}

// HasController reports whether the named service controls this class.
func (c *Class) HasController(service string) bool {
	for _, ctl := range c.Controllers {
		if ctl == service {
			return true
		}
	}
	return false
}

// MapperDotted returns the mapper id with "::" separators normalized to the
// dotted form used in generated method names.
func (c *Class) MapperDotted() string {
	return strings.ReplaceAll(c.Mapper, "::", ".")
}

// Registry is the immutable class-name keyed metadata snapshot.
type Registry struct {
	classes  map[string]*Class
	byMapper map[string]*Class
}

// New builds a registry from a class list. Duplicate class names or mapper
// ids are rejected.
func New(classes []*Class) (*Registry, error) {
	r := &Registry{
		classes:  make(map[string]*Class, len(classes)),
		byMapper: make(map[string]*Class, len(classes)),
	}
	for _, c := range classes {
		if c.Name == "" {
			return nil, fmt.Errorf("metadata: class with empty name")
		}
		if _, ok := r.classes[c.Name]; ok {
			return nil, fmt.Errorf("metadata: duplicate class %q", c.Name)
		}
		r.classes[c.Name] = c
		if c.Mapper != "" {
			dotted := c.MapperDotted()
			if prev, ok := r.byMapper[dotted]; ok {
				return nil, fmt.Errorf("metadata: classes %q and %q share mapper %q",
					prev.Name, c.Name, dotted)
			}
			r.byMapper[dotted] = c
		}
	}
	return r, nil
}

// Load decodes a JSON class list from r.
func Load(r io.Reader) (*Registry, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("metadata: reading registry: %w", err)
	}
	var doc struct {
		Classes []*Class `json:"classes"`
	}
	if err := sonic.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("metadata: parsing registry: %w", err)
	}
	return New(doc.Classes)
}

// LoadFile decodes a JSON class list from the named file.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("metadata: opening %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Class returns the named class.
func (r *Registry) Class(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// ClassForMapper returns the class owning the given dotted mapper id.
func (r *Registry) ClassForMapper(dotted string) (*Class, bool) {
	c, ok := r.byMapper[dotted]
	return c, ok
}

// Len returns the number of classes.
func (r *Registry) Len() int { return len(r.classes) }

// ForController returns every class controlled by the named service that
// declares a mapper id, sorted by class name so iteration order is stable.
func (r *Registry) ForController(service string) []*Class {
	var out []*Class
	for _, c := range r.classes {
		if c.Mapper != "" && c.HasController(service) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
