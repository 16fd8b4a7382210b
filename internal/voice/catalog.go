package voice

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ID identifies a synthesis voice known to the engine (e.g. "am_fenrir").
type ID string

// Voice describes one catalog entry.
type Voice struct {
	ID          ID     `yaml:"id" json:"id"`
	DisplayName string `yaml:"display_name" json:"display_name"`
	Language    string `yaml:"language" json:"language"`
	Gender      string `yaml:"gender,omitempty" json:"gender,omitempty"`
	Grade       string `yaml:"grade,omitempty" json:"grade,omitempty"`
}

// ShortName is the tag name used in multi-voice text: the first word of the
// display name ("Felix (American Male)" -> "Felix").
func (v Voice) ShortName() string {
	fields := strings.Fields(v.DisplayName)
	if len(fields) == 0 {
		return string(v.ID)
	}
	return fields[0]
}

var (
	ErrUnknownVoice = errors.New("unknown voice")
	ErrEmptyCatalog = errors.New("voice catalog is empty")
)

// Catalog is a fixed set of voices. It is immutable after construction and
// safe for concurrent use.
type Catalog struct {
	voices  []Voice
	byID    map[ID]Voice
	byShort map[string]ID
}

// NewCatalog indexes voices by id and lowercase short name. Duplicate ids are
// rejected; on a short-name collision the first voice wins.
func NewCatalog(voices []Voice) (*Catalog, error) {
	if len(voices) == 0 {
		return nil, ErrEmptyCatalog
	}
	c := &Catalog{
		voices:  make([]Voice, 0, len(voices)),
		byID:    make(map[ID]Voice, len(voices)),
		byShort: make(map[string]ID, len(voices)),
	}
	for _, v := range voices {
		if v.ID == "" {
			return nil, errors.New("voice id must not be empty")
		}
		if _, exists := c.byID[v.ID]; exists {
			return nil, fmt.Errorf("duplicate voice id %q", v.ID)
		}
		c.voices = append(c.voices, v)
		c.byID[v.ID] = v
		short := strings.ToLower(v.ShortName())
		if _, taken := c.byShort[short]; !taken {
			c.byShort[short] = v.ID
		}
	}
	return c, nil
}

// Lookup returns the voice with the given id.
func (c *Catalog) Lookup(id ID) (Voice, bool) {
	v, ok := c.byID[id]
	return v, ok
}

// Contains reports whether id is part of the catalog.
func (c *Catalog) Contains(id ID) bool {
	_, ok := c.byID[id]
	return ok
}

// ResolveTag maps a tag name to a voice id, ignoring case.
func (c *Catalog) ResolveTag(name string) (ID, bool) {
	id, ok := c.byShort[strings.ToLower(name)]
	return id, ok
}

// Voices returns the catalog entries in declaration order.
func (c *Catalog) Voices() []Voice {
	return append([]Voice(nil), c.voices...)
}

// TagNames returns the sorted short names usable as [Name] tags.
func (c *Catalog) TagNames() []string {
	names := make([]string, 0, len(c.voices))
	for _, v := range c.voices {
		if c.byShort[strings.ToLower(v.ShortName())] == v.ID {
			names = append(names, v.ShortName())
		}
	}
	sort.Strings(names)
	return names
}

type catalogFile struct {
	Voices []Voice `yaml:"voices"`
}

// LoadFile reads a YAML catalog of the form `voices: [{id, display_name, ...}]`.
func LoadFile(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read voice catalog: %w", err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse voice catalog: %w", err)
	}
	return NewCatalog(f.Voices)
}

// Load returns the catalog at path, or the built-in catalog when path is empty.
func Load(path string) (*Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Builtin(), nil
	}
	return LoadFile(path)
}
