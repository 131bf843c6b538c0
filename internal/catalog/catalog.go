// Package catalog is the Tool Gateway's action catalog: the registry of
// supported action types, their risk classification, and the governance
// policy (chief-authorization requirement, command whitelist, timeout) each
// one carries. Modeled directly on the teacher's tool_catalog.go registry
// shape, retargeted from trust-score thresholds to this system's
// chief-authorization model.
package catalog

import (
	"fmt"
	"sync"
	"time"
)

// ActionClass is the action's risk classification.
type ActionClass string

const (
	ClassA ActionClass = "CLASS_A" // read-only / reversible
	ClassB ActionClass = "CLASS_B" // mutating / side-effecting
)

// Supported action types.
const (
	ActionRunCmd    = "RUN_CMD"
	ActionWriteFile = "WRITE_FILE"
	ActionReadFile  = "READ_FILE"
	ActionGitCommit = "GIT_COMMIT"
	ActionGitDiff   = "GIT_DIFF"
	ActionOpenPR    = "OPEN_PR" // deliberately not implemented
)

// GovernancePolicy is the mechanical, content-blind policy attached to an
// action type.
type GovernancePolicy struct {
	RequireChief    bool          // requester must be chief or authorized_by chief
	CommandPrefixes [][]string    // for RUN_CMD: argv must match one of these prefixes
	Timeout         time.Duration // bounded wall-clock execution budget
}

// ActionDefinition is a registered action type in the catalog.
type ActionDefinition struct {
	Type        string
	Description string
	Class       ActionClass
	Policy      GovernancePolicy
}

// ActionCatalog is the registry of action types and their governance
// policies, mirroring the teacher's ToolCatalog registry shape.
type ActionCatalog struct {
	mu      sync.RWMutex
	actions map[string]*ActionDefinition
}

// Default timeouts, used when a policy does not override Timeout.
const (
	defaultMutatingTimeout = 20 * time.Second
	defaultReadTimeout     = 5 * time.Second
)

// DefaultCommandPrefixes is the stock whitelist of RUN_CMD argv prefixes.
var DefaultCommandPrefixes = [][]string{
	{"git", "status"},
	{"git", "diff"},
	{"git", "add"},
	{"git", "commit"},
	{"git", "apply"},
	{"pytest"},
	{"python", "-m", "pytest"},
}

// New returns a catalog pre-populated with the five supported action types
// plus the stubbed OPEN_PR.
func New() *ActionCatalog {
	c := &ActionCatalog{actions: make(map[string]*ActionDefinition)}
	c.registerDefaults()
	return c
}

func (c *ActionCatalog) registerDefaults() {
	defaults := []*ActionDefinition{
		{
			Type:        ActionRunCmd,
			Description: "Execute a whitelisted command inside the agent's workspace",
			Class:       ClassB,
			Policy: GovernancePolicy{
				RequireChief:    true,
				CommandPrefixes: DefaultCommandPrefixes,
				Timeout:         defaultMutatingTimeout,
			},
		},
		{
			Type:        ActionWriteFile,
			Description: "Write a file inside the agent's workspace",
			Class:       ClassB,
			Policy:      GovernancePolicy{RequireChief: true, Timeout: defaultMutatingTimeout},
		},
		{
			Type:        ActionReadFile,
			Description: "Read a file inside the agent's workspace",
			Class:       ClassA,
			Policy:      GovernancePolicy{RequireChief: false, Timeout: defaultReadTimeout},
		},
		{
			Type:        ActionGitCommit,
			Description: "Commit staged changes in the agent's workspace",
			Class:       ClassB,
			Policy:      GovernancePolicy{RequireChief: true, Timeout: defaultMutatingTimeout},
		},
		{
			Type:        ActionGitDiff,
			Description: "Inspect a diff in the agent's workspace",
			Class:       ClassA,
			Policy:      GovernancePolicy{RequireChief: false, Timeout: defaultReadTimeout},
		},
		{
			Type:        ActionOpenPR,
			Description: "Open a pull request (not implemented)",
			Class:       ClassB,
			Policy:      GovernancePolicy{RequireChief: true, Timeout: defaultMutatingTimeout},
		},
	}
	for _, def := range defaults {
		c.actions[def.Type] = def
	}
}

// Get retrieves an action definition by type.
func (c *ActionCatalog) Get(actionType string) (*ActionDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.actions[actionType]
	return def, ok
}

// Register adds or replaces an action definition.
func (c *ActionCatalog) Register(def *ActionDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if def.Type == "" {
		return fmt.Errorf("catalog: action type is required")
	}
	if def.Class != ClassA && def.Class != ClassB {
		return fmt.Errorf("catalog: action_class must be CLASS_A or CLASS_B")
	}
	c.actions[def.Type] = def
	return nil
}

// List returns every registered action definition.
func (c *ActionCatalog) List() []*ActionDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ActionDefinition, 0, len(c.actions))
	for _, def := range c.actions {
		out = append(out, def)
	}
	return out
}
