// Package persona loads the on-disk artifacts an agent embodies: the
// persona config, its prompt text and the workflow graphs it serves.
//
// Artifacts live under a root directory in three subdirectories:
//
//	personas/{id}.json
//	prompts/{promptFile}.txt
//	workflows/workflow_{id}.json
//
// Everything returned by [Load] is immutable in-process; the [Catalog]
// mutates the files themselves on behalf of the gateway's CRUD API.
package persona

import (
	"errors"
	"path/filepath"
)

// Load failure kinds. All three are fatal at agent startup.
var (
	// ErrPersonaMissing marks an absent or unusable persona config.
	ErrPersonaMissing = errors.New("persona config missing")

	// ErrPromptMissing marks an absent prompt text file.
	ErrPromptMissing = errors.New("persona prompt missing")

	// ErrWorkflowInvalid marks a referenced workflow that is absent or
	// fails validation.
	ErrWorkflowInvalid = errors.New("workflow invalid")
)

// Catalog failure kinds, mapped onto HTTP statuses by the gateway API.
var (
	// ErrNotFound marks a persona id with no config file.
	ErrNotFound = errors.New("persona not found")

	// ErrConflict marks a create for an id that already exists.
	ErrConflict = errors.New("persona already exists")

	// ErrInvalid marks a definition that fails validation.
	ErrInvalid = errors.New("persona definition invalid")
)

// Config is one persona as stored in personas/{id}.json.
type Config struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"displayName"`
	PromptFile   string         `json:"promptFile"`
	Workflows    []string       `json:"workflows"`
	AllowedTools []string       `json:"allowedTools"`
	VoiceID      string         `json:"voiceId"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Dirs locates the three artifact directories.
type Dirs struct {
	Personas  string
	Prompts   string
	Workflows string
}

// DirsAt returns the conventional layout under root.
func DirsAt(root string) Dirs {
	return Dirs{
		Personas:  filepath.Join(root, "personas"),
		Prompts:   filepath.Join(root, "prompts"),
		Workflows: filepath.Join(root, "workflows"),
	}
}

func (d Dirs) personaPath(id string) string {
	return filepath.Join(d.Personas, id+".json")
}

// promptPath resolves a promptFile reference. References are stored
// without an extension; an explicit one is tolerated.
func (d Dirs) promptPath(promptFile string) string {
	name := promptFile
	if filepath.Ext(name) == "" {
		name += ".txt"
	}
	return filepath.Join(d.Prompts, name)
}

func (d Dirs) workflowPath(id string) string {
	return filepath.Join(d.Workflows, "workflow_"+id+".json")
}
