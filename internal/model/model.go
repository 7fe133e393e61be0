package model

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RecordType discriminates the kinds of records stored in the memory table.
// Callers may supply their own type strings; these are the well-known ones.
type RecordType = string

const (
	TypeUserMemory    RecordType = "user_memory"
	TypeScreenCapture RecordType = "screen_capture"
)

const (
	// DefaultUserID scopes records when the caller supplies no user.
	DefaultUserID = "default_user"

	// EmbeddingDim is the fixed dimensionality of all stored embeddings.
	EmbeddingDim = 384

	// MaxSourceTextLen bounds Record.SourceText after trimming.
	MaxSourceTextLen = 10000

	// MaxEntitiesPerRecord caps the entity rows attached to one record.
	MaxEntitiesPerRecord = 100
)

// Record is a persisted unit of memory: user text or a screen capture.
type Record struct {
	ID            string    `json:"id"`
	UserID        string    `json:"userId"`
	Type          string    `json:"type"`
	SourceText    string    `json:"sourceText"`
	Metadata      string    `json:"metadata,omitempty"` // opaque JSON document
	Screenshot    string    `json:"screenshot,omitempty"`
	ExtractedText string    `json:"extractedText,omitempty"`
	Embedding     []float32 `json:"-"` // nil only for legacy rows
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Entity is a caller-tagged span associated with a Record.
type Entity struct {
	ID              string    `json:"id"`
	MemoryID        string    `json:"memoryId"`
	Entity          string    `json:"entity"`
	Type            string    `json:"type"`
	EntityType      string    `json:"entityType"`
	NormalizedValue string    `json:"normalizedValue"`
	CreatedAt       time.Time `json:"createdAt"`
}

// NewEntity builds an Entity for a record, normalizing per the store contract:
// entityType defaults to type and normalizedValue is the lowercased value.
func NewEntity(memoryID, typ, value string) Entity {
	return Entity{
		ID:              uuid.NewString(),
		MemoryID:        memoryID,
		Entity:          value,
		Type:            typ,
		EntityType:      typ,
		NormalizedValue: strings.ToLower(value),
		CreatedAt:       time.Now().UTC(),
	}
}

// SkillPrompt is a semantic-searchable prompt snippet.
type SkillPrompt struct {
	ID         string    `json:"id"`
	Tags       string    `json:"tags"` // comma-joined
	PromptText string    `json:"promptText"`
	Embedding  []float32 `json:"-"`
	HitCount   int64     `json:"hitCount"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// ContextRuleType is the kind of context a rule binds to.
type ContextRuleType = string

const (
	ContextTypeSite ContextRuleType = "site"
	ContextTypeApp  ContextRuleType = "app"
)

// ContextRule is a per-site or per-app text snippet injected into downstream prompts.
type ContextRule struct {
	ID          string    `json:"id"`
	ContextType string    `json:"contextType"` // site | app
	ContextKey  string    `json:"contextKey"`  // hostname or app name, lowercased
	RuleText    string    `json:"ruleText"`
	Category    string    `json:"category,omitempty"`
	Source      string    `json:"source,omitempty"`
	HitCount    int64     `json:"hitCount"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// SkillExecType is how an installed skill is executed.
type SkillExecType = string

const (
	ExecTypeNode  SkillExecType = "node"
	ExecTypeShell SkillExecType = "shell"
)

// InstalledSkill is a caller-registered named capability.
type InstalledSkill struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	ContractMd  string    `json:"contractMd,omitempty"`
	ExecPath    string    `json:"execPath"`
	ExecType    string    `json:"execType"` // node | shell
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// skillNamePattern requires dotted lowercase segments, e.g. "web.search".
var skillNamePattern = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)

// ValidSkillName reports whether name matches the installed-skill name pattern.
func ValidSkillName(name string) bool {
	return skillNamePattern.MatchString(name)
}

// SkillSandboxDir returns the per-user skill sandbox under the given home directory.
func SkillSandboxDir(home string) string {
	return filepath.Join(home, ".thinkdrop", "skills")
}

// ValidateSkillExecPath rejects exec paths that resolve outside the sandbox.
func ValidateSkillExecPath(home, execPath string) error {
	if strings.TrimSpace(execPath) == "" {
		return fmt.Errorf("execPath is required")
	}
	sandbox := SkillSandboxDir(home)
	resolved := filepath.Clean(execPath)
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(sandbox, resolved)
	}
	rel, err := filepath.Rel(sandbox, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("execPath %q is outside the skill sandbox %s", execPath, sandbox)
	}
	return nil
}

// NewMemoryID allocates a record identifier of the shape mem_<ms-epoch>_<8-hex>.
func NewMemoryID() string {
	tail := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("mem_%d_%s", time.Now().UnixMilli(), tail)
}

// memoryIDPattern validates externally supplied record identifiers.
var memoryIDPattern = regexp.MustCompile(`^mem_\d+_[0-9a-f]{8}$`)

// ValidMemoryID reports whether id has the canonical record id shape.
func ValidMemoryID(id string) bool {
	return memoryIDPattern.MatchString(id)
}
