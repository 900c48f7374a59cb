package persona

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/parlorbank/voxgate/internal/workflow"
)

//go:embed schema/persona.schema.json
var personaSchemaJSON []byte

//go:embed schema/workflow.schema.json
var workflowSchemaJSON []byte

var (
	personaSchema  = mustCompile("persona.schema.json", personaSchemaJSON)
	workflowSchema = mustCompile("workflow.schema.json", workflowSchemaJSON)
)

// mustCompile compiles an embedded schema. Panics are acceptable here:
// the schemas ship with the binary.
func mustCompile(name string, raw []byte) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		panic(fmt.Sprintf("persona: unmarshal embedded schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("persona: add schema resource %s: %v", name, err))
	}
	schema, err := c.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("persona: compile schema %s: %v", name, err))
	}
	return schema
}

// Bundle is everything an agent needs to serve its persona. Immutable
// after [Load].
type Bundle struct {
	Persona Config

	// Prompt is the persona prompt text, trailing whitespace trimmed.
	Prompt string

	// Graphs holds the parsed workflows, keyed by workflow id.
	Graphs map[string]*workflow.Graph
}

// Graph returns the named workflow.
func (b *Bundle) Graph(id string) (*workflow.Graph, bool) {
	g, ok := b.Graphs[id]
	return g, ok
}

// DefaultGraph returns the persona's first-listed workflow.
func (b *Bundle) DefaultGraph() *workflow.Graph {
	return b.Graphs[b.Persona.Workflows[0]]
}

// Capabilities returns what the agent advertises to the registry: its own
// persona id plus every workflow id it serves.
func (b *Bundle) Capabilities() []string {
	caps := make([]string, 0, len(b.Persona.Workflows)+1)
	caps = append(caps, b.Persona.ID)
	for _, id := range b.Persona.Workflows {
		if id != b.Persona.ID {
			caps = append(caps, id)
		}
	}
	return caps
}

// Load reads the persona identified by agentID from one artifact root,
// validating each file against its schema and each workflow structurally.
// Failures wrap [ErrPersonaMissing], [ErrPromptMissing] or
// [ErrWorkflowInvalid]; all three are fatal at agent startup.
func Load(dirs Dirs, agentID string) (*Bundle, error) {
	cfg, err := readConfig(dirs, agentID)
	if err != nil {
		return nil, err
	}

	promptPath := dirs.promptPath(cfg.PromptFile)
	prompt, err := os.ReadFile(promptPath)
	if err != nil {
		return nil, fmt.Errorf("persona: agent %q: prompt %s: %w",
			agentID, promptPath, errors.Join(ErrPromptMissing, err))
	}

	graphs := make(map[string]*workflow.Graph, len(cfg.Workflows))
	for _, id := range cfg.Workflows {
		g, err := loadWorkflow(dirs, id)
		if err != nil {
			return nil, fmt.Errorf("persona: agent %q: %w", agentID, err)
		}
		graphs[id] = g
	}

	return &Bundle{
		Persona: *cfg,
		Prompt:  strings.TrimRight(string(prompt), " \t\n"),
		Graphs:  graphs,
	}, nil
}

// Find searches roots (each laid out per [DirsAt]) for the persona. The
// first root containing personas/{agentID}.json wins; errors within that
// root are not masked by later roots.
func Find(agentID string, roots ...string) (*Bundle, error) {
	for _, root := range roots {
		dirs := DirsAt(root)
		if _, err := os.Stat(dirs.personaPath(agentID)); err != nil {
			continue
		}
		return Load(dirs, agentID)
	}
	return nil, fmt.Errorf("persona: agent %q not found under %s: %w",
		agentID, strings.Join(roots, ", "), ErrPersonaMissing)
}

// readConfig loads and validates one persona config file.
func readConfig(dirs Dirs, id string) (*Config, error) {
	path := dirs.personaPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("persona: agent %q: %s: %w", id, path, errors.Join(ErrPersonaMissing, err))
		}
		return nil, fmt.Errorf("persona: agent %q: read %s: %w", id, path, err)
	}

	if err := validateAgainst(personaSchema, raw); err != nil {
		return nil, fmt.Errorf("persona: agent %q: %s: %w", id, path, errors.Join(ErrPersonaMissing, err))
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("persona: agent %q: decode %s: %w", id, path, errors.Join(ErrPersonaMissing, err))
	}
	if cfg.ID != id {
		return nil, fmt.Errorf("persona: agent %q: %s declares id %q: %w", id, path, cfg.ID, ErrPersonaMissing)
	}
	return &cfg, nil
}

// loadWorkflow loads workflow_{id}.json, schema-first then structurally.
func loadWorkflow(dirs Dirs, id string) (*workflow.Graph, error) {
	path := dirs.workflowPath(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %s: %w", id, path, errors.Join(ErrWorkflowInvalid, err))
	}

	if err := validateAgainst(workflowSchema, raw); err != nil {
		return nil, fmt.Errorf("workflow %q: %s: %w", id, path, errors.Join(ErrWorkflowInvalid, err))
	}

	g, err := workflow.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("workflow %q: %s: %w", id, path, errors.Join(ErrWorkflowInvalid, err))
	}
	if g.ID != id {
		return nil, fmt.Errorf("workflow %q: %s declares id %q: %w", id, path, g.ID, ErrWorkflowInvalid)
	}
	return g, nil
}

// validateAgainst checks raw JSON against a compiled schema.
func validateAgainst(schema *jsonschema.Schema, raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return schema.Validate(doc)
}
