package persona

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
)

// idPattern is the only accepted shape for persona ids.
var idPattern = regexp.MustCompile(`^[a-z0-9-]+$`)

// Definition is the CRUD surface of a persona: the config fields plus the
// prompt text the config references. The gateway API speaks this shape.
type Definition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	VoiceID       string         `json:"voiceId"`
	AllowedTools  []string       `json:"allowedTools"`
	Workflows     []string       `json:"workflows"`
	PromptContent string         `json:"promptContent,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Validate checks the fields the API requires. The returned error wraps
// [ErrInvalid] and lists every violation.
func (d Definition) Validate() error {
	var errs []error

	if !idPattern.MatchString(d.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", d.ID, idPattern))
	}
	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if d.VoiceID == "" {
		errs = append(errs, errors.New("voiceId is required"))
	}
	if d.AllowedTools == nil {
		errs = append(errs, errors.New("allowedTools is required (may be empty)"))
	}
	if len(d.Workflows) == 0 {
		errs = append(errs, errors.New("workflows must name at least one workflow"))
	}
	for i, w := range d.Workflows {
		if w == "" {
			errs = append(errs, fmt.Errorf("workflows[%d] is empty", i))
		}
	}
	if d.PromptContent == "" {
		errs = append(errs, errors.New("promptContent is required"))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

// CatalogOption configures a [Catalog].
type CatalogOption func(*Catalog)

// WithCatalogLogger sets the catalog's logger. Defaults to [slog.Default].
func WithCatalogLogger(logger *slog.Logger) CatalogOption {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Catalog lists and mutates the persona files under one artifact root on
// behalf of the gateway's CRUD API. Mutations are serialized; loaded
// agents are unaffected until they restart, personas are immutable
// in-process.
type Catalog struct {
	dirs   Dirs
	logger *slog.Logger

	mu sync.Mutex
}

// NewCatalog serves the personas under root (laid out per [DirsAt]).
func NewCatalog(root string, opts ...CatalogOption) *Catalog {
	c := &Catalog{
		dirs:   DirsAt(root),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// List returns every readable persona, without prompt content, ordered by
// id. Files that fail to decode are logged and skipped rather than
// failing the listing.
func (c *Catalog) List() ([]Definition, error) {
	entries, err := os.ReadDir(c.dirs.Personas)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []Definition{}, nil
		}
		return nil, fmt.Errorf("persona catalog: list %s: %w", c.dirs.Personas, err)
	}

	defs := make([]Definition, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		cfg, err := c.readConfigFile(strings.TrimSuffix(name, ".json"))
		if err != nil {
			c.logger.Warn("skipping unreadable persona file", "file", name, "error", err)
			continue
		}
		defs = append(defs, fromConfig(*cfg, ""))
	}
	return defs, nil
}

// Get returns one persona with its prompt content. A missing prompt file
// is logged and surfaced as empty content, not an error.
func (c *Catalog) Get(id string) (*Definition, error) {
	if !idPattern.MatchString(id) {
		return nil, fmt.Errorf("%w: id %q must match %s", ErrInvalid, id, idPattern)
	}

	cfg, err := c.readConfigFile(id)
	if err != nil {
		return nil, err
	}

	prompt, err := os.ReadFile(c.dirs.promptPath(cfg.PromptFile))
	if err != nil {
		c.logger.Warn("persona prompt unreadable", "persona", id, "promptFile", cfg.PromptFile, "error", err)
		prompt = nil
	}

	def := fromConfig(*cfg, string(prompt))
	return &def, nil
}

// Create writes a new persona and its prompt file. The prompt file is
// named after the persona id. Returns [ErrConflict] when the id is taken.
func (c *Catalog) Create(def Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.dirs.personaPath(def.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %q", ErrConflict, def.ID)
	}

	return c.write(def.config(def.ID), def.PromptContent)
}

// Update overwrites an existing persona and its prompt content, keeping
// the stored promptFile name so externally referenced prompt files stay
// put.
func (c *Catalog) Update(id string, def Definition) error {
	if def.ID == "" {
		def.ID = id
	}
	if def.ID != id {
		return fmt.Errorf("%w: body id %q does not match path id %q", ErrInvalid, def.ID, id)
	}
	if err := def.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	current, err := c.readConfigFile(id)
	if err != nil {
		return err
	}

	return c.write(def.config(current.PromptFile), def.PromptContent)
}

// Delete removes the persona config file. The prompt file is preserved:
// prompts may be shared and are cheap to keep.
func (c *Catalog) Delete(id string) error {
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: id %q must match %s", ErrInvalid, id, idPattern)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	path := c.dirs.personaPath(id)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return fmt.Errorf("persona catalog: delete %s: %w", path, err)
	}
	return nil
}

// readConfigFile decodes personas/{id}.json without schema validation, so
// the catalog can still list and repair hand-edited files.
func (c *Catalog) readConfigFile(id string) (*Config, error) {
	raw, err := os.ReadFile(c.dirs.personaPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
		}
		return nil, fmt.Errorf("persona catalog: read %q: %w", id, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("persona catalog: decode %q: %w", id, err)
	}
	return &cfg, nil
}

// write stores the config and its prompt content, creating the artifact
// directories on first use.
func (c *Catalog) write(cfg Config, promptContent string) error {
	for _, dir := range []string{c.dirs.Personas, c.dirs.Prompts} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("persona catalog: create %s: %w", dir, err)
		}
	}

	promptPath := c.dirs.promptPath(cfg.PromptFile)
	if err := os.WriteFile(promptPath, []byte(promptContent), 0o644); err != nil {
		return fmt.Errorf("persona catalog: write %s: %w", promptPath, err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("persona catalog: encode %q: %w", cfg.ID, err)
	}
	path := c.dirs.personaPath(cfg.ID)
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("persona catalog: write %s: %w", path, err)
	}
	return nil
}

// config converts a definition to its on-disk shape.
func (d Definition) config(promptFile string) Config {
	return Config{
		ID:           d.ID,
		DisplayName:  d.Name,
		PromptFile:   promptFile,
		Workflows:    slices.Clone(d.Workflows),
		AllowedTools: slices.Clone(d.AllowedTools),
		VoiceID:      d.VoiceID,
		Metadata:     maps.Clone(d.Metadata),
	}
}

func fromConfig(cfg Config, promptContent string) Definition {
	return Definition{
		ID:            cfg.ID,
		Name:          cfg.DisplayName,
		VoiceID:       cfg.VoiceID,
		AllowedTools:  slices.Clone(cfg.AllowedTools),
		Workflows:     slices.Clone(cfg.Workflows),
		PromptContent: promptContent,
		Metadata:      maps.Clone(cfg.Metadata),
	}
}
