// Package gateway implements the Tool Gateway: the single choke point
// through which any process may perform an external side effect. Every
// call is policy-checked, idempotency-guarded, executed with a bounded
// timeout, and audited exactly once — allowed or denied, success or
// exception.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ocx/swarm/internal/catalog"
	"github.com/ocx/swarm/internal/mailstore"
	"github.com/ocx/swarm/internal/metrics"
	"github.com/ocx/swarm/internal/safeguard"
	"github.com/ocx/swarm/internal/workspace"
)

// Request is one invocation of the Tool Gateway.
type Request struct {
	AgentID        string
	ActionType     string
	WorkingDir     string
	Payload        map[string]interface{}
	IdempotencyKey string
	AllowDuplicate bool
	AuthorizedBy   string
	CorrelationID  string
}

// Result is the outcome of one Invoke call.
type Result struct {
	Allowed    bool
	Reason     string
	ReturnCode int
	Stdout     string
	Stderr     string
	AuditID    int64
	Data       map[string]interface{} // action-specific payload (e.g. file contents)
}

// Gateway is the policy-gated external-action choke point.
type Gateway struct {
	store      *mailstore.Store
	catalog    *catalog.ActionCatalog
	workspaces *workspace.Manager
	chiefAgent string
	metrics    *metrics.Registry
	safeguard  *safeguard.Monitor
}

// New constructs a Gateway. chiefAgent is the single agent permitted to
// authorize mutating actions.
func New(store *mailstore.Store, cat *catalog.ActionCatalog, workspaces *workspace.Manager, chiefAgent string) *Gateway {
	return &Gateway{store: store, catalog: cat, workspaces: workspaces, chiefAgent: chiefAgent}
}

// SetSafeguard wires the legacy endpoint/method/keyword/cooldown monitor in
// after construction; nil (the default) skips it entirely. Every action
// type the catalog will eventually route over the network — currently only
// the stubbed OPEN_PR — passes through it before the gateway's own
// not-implemented denial, so the mechanical gate and its retry/cooldown
// bookkeeping are already exercised by real traffic before OPEN_PR grows a
// real implementation.
func (g *Gateway) SetSafeguard(m *safeguard.Monitor) { g.safeguard = m }

// SetMetrics wires a metrics registry in after construction; nil disables
// recording.
func (g *Gateway) SetMetrics(m *metrics.Registry) { g.metrics = m }

// Invoke runs the preflight policy, idempotency reservation, and (if
// allowed) execution for req, writing exactly one tool_audit row regardless
// of outcome.
func (g *Gateway) Invoke(ctx context.Context, req Request) (*Result, error) {
	def, ok := g.catalog.Get(req.ActionType)
	if !ok {
		return g.deny(ctx, req, fmt.Sprintf("unknown action type %q", req.ActionType))
	}

	if err := g.checkWorkingDir(req); err != nil {
		return g.deny(ctx, req, err.Error())
	}

	if def.Policy.RequireChief && !g.isAuthorized(req) {
		return g.deny(ctx, req, "requester is not chief and not authorized_by chief")
	}

	var argv []string
	if req.ActionType == catalog.ActionRunCmd {
		resolved, err := resolveArgv(req.Payload)
		if err != nil {
			return g.deny(ctx, req, err.Error())
		}
		if err := ValidateArgv(resolved, def.Policy.CommandPrefixes); err != nil {
			return g.deny(ctx, req, err.Error())
		}
		argv = resolved
	}

	if req.IdempotencyKey == "" {
		return g.deny(ctx, req, "idempotency_key is required")
	}
	existing, err := g.store.GetIdempotencyRecord(ctx, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if existing != nil && !req.AllowDuplicate {
		return g.deny(ctx, req, "idempotency_key already used")
	}
	if existing == nil {
		reserved, err := g.store.ReserveIdempotencyKey(ctx, req.IdempotencyKey, req.AgentID, req.ActionType, nil)
		if err != nil {
			return nil, err
		}
		if !reserved {
			return g.deny(ctx, req, "idempotency_key reservation lost race")
		}
	}

	if req.ActionType == catalog.ActionOpenPR {
		if g.safeguard != nil {
			actionKey := req.ActionType + ":" + req.AgentID
			if ok, reason := g.safeguard.Check(safeguard.Request{
				ActionKey: actionKey,
				Endpoint:  "github_api",
				Method:    "POST",
				Payload:   req.Payload,
			}); !ok {
				g.safeguard.RecordFailure(actionKey)
				return g.deny(ctx, req, "safeguard: "+reason)
			}
		}
		return g.deny(ctx, req, "OPEN_PR is not implemented")
	}

	execCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(def.Policy.Timeout))
	defer cancel()

	result, execErr := g.execute(execCtx, req, argv)
	if execErr != nil {
		result = &Result{Allowed: true, ReturnCode: -1, Stderr: execErr.Error()}
	}
	result.Allowed = true

	resultMap := map[string]interface{}{
		"return_code": result.ReturnCode,
		"stdout":      result.Stdout,
		"stderr":      result.Stderr,
	}
	for k, v := range result.Data {
		resultMap[k] = v
	}
	if setErr := g.store.SetIdempotencyResult(ctx, req.IdempotencyKey, resultMap); setErr != nil {
		return nil, setErr
	}

	auditID, err := g.store.AppendToolAudit(ctx, mailstore.ToolAuditRow{
		AgentID:        req.AgentID,
		ActionType:     req.ActionType,
		WorkingDir:     req.WorkingDir,
		IdempotencyKey: req.IdempotencyKey,
		Allowed:        true,
		Payload:        req.Payload,
		Result:         resultMap,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	result.AuditID = auditID
	if g.metrics != nil {
		g.metrics.GatewayInvokes.WithLabelValues(req.ActionType, "true").Inc()
	}
	return result, nil
}

func (g *Gateway) deny(ctx context.Context, req Request, reason string) (*Result, error) {
	auditID, err := g.store.AppendToolAudit(ctx, mailstore.ToolAuditRow{
		AgentID:        req.AgentID,
		ActionType:     req.ActionType,
		WorkingDir:     req.WorkingDir,
		IdempotencyKey: req.IdempotencyKey,
		Allowed:        false,
		Reason:         reason,
		Payload:        req.Payload,
		CorrelationID:  req.CorrelationID,
	})
	if err != nil {
		return nil, err
	}
	if g.metrics != nil {
		g.metrics.GatewayInvokes.WithLabelValues(req.ActionType, "false").Inc()
		g.metrics.GatewayDenials.WithLabelValues(reason).Inc()
	}
	return &Result{Allowed: false, Reason: reason, AuditID: auditID}, nil
}

func (g *Gateway) isAuthorized(req Request) bool {
	if req.AgentID == g.chiefAgent {
		return true
	}
	return req.AuthorizedBy == g.chiefAgent
}

// checkWorkingDir enforces that working_dir exists, is a directory, and is
// a subpath of the requester's registered workspace root. Any path field in
// the payload is also resolved against working_dir and rejected if it
// escapes the workspace root.
func (g *Gateway) checkWorkingDir(req Request) error {
	root, err := g.workspaces.WorktreeFor(req.AgentID)
	if err != nil {
		return fmt.Errorf("no registered workspace for agent %q", req.AgentID)
	}
	info, err := os.Stat(req.WorkingDir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("working_dir %q does not exist or is not a directory", req.WorkingDir)
	}
	if !isSubpath(root, req.WorkingDir) {
		return fmt.Errorf("working_dir %q escapes workspace root %q", req.WorkingDir, root)
	}

	if pathVal, ok := req.Payload["path"].(string); ok && pathVal != "" {
		resolved := filepath.Join(req.WorkingDir, pathVal)
		if !isSubpath(root, resolved) {
			return fmt.Errorf("path %q escapes workspace root %q", pathVal, root)
		}
	}
	return nil
}

func isSubpath(root, candidate string) bool {
	rootAbs, err1 := filepath.Abs(root)
	candAbs, err2 := filepath.Abs(candidate)
	if err1 != nil || err2 != nil {
		return false
	}
	rel, err := filepath.Rel(rootAbs, candAbs)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

func resolveArgv(payload map[string]interface{}) ([]string, error) {
	if raw, ok := payload["argv"].([]interface{}); ok {
		argv := make([]string, 0, len(raw))
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("gateway: argv entries must be strings")
			}
			argv = append(argv, s)
		}
		return argv, nil
	}
	if cmd, ok := payload["command"].(string); ok && cmd != "" {
		return Tokenize(cmd)
	}
	return nil, fmt.Errorf("gateway: RUN_CMD requires payload.argv or payload.command")
}

func (g *Gateway) execute(ctx context.Context, req Request, argv []string) (*Result, error) {
	switch req.ActionType {
	case catalog.ActionRunCmd:
		return runArgv(ctx, req.WorkingDir, argv)
	case catalog.ActionGitCommit:
		message, _ := req.Payload["message"].(string)
		if message == "" {
			message = "automated commit"
		}
		return runArgv(ctx, req.WorkingDir, []string{"git", "commit", "-m", message})
	case catalog.ActionGitDiff:
		return runArgv(ctx, req.WorkingDir, []string{"git", "diff"})
	case catalog.ActionWriteFile:
		path, _ := req.Payload["path"].(string)
		content, _ := req.Payload["content"].(string)
		if path == "" {
			return nil, fmt.Errorf("gateway: WRITE_FILE requires payload.path")
		}
		full := filepath.Join(req.WorkingDir, path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			return nil, err
		}
		return &Result{ReturnCode: 0}, nil
	case catalog.ActionReadFile:
		path, _ := req.Payload["path"].(string)
		if path == "" {
			return nil, fmt.Errorf("gateway: READ_FILE requires payload.path")
		}
		full := filepath.Join(req.WorkingDir, path)
		content, err := os.ReadFile(full)
		if err != nil {
			return nil, err
		}
		return &Result{ReturnCode: 0, Data: map[string]interface{}{"content": string(content)}}, nil
	default:
		return nil, fmt.Errorf("gateway: no execution handler for %q", req.ActionType)
	}
}

func runArgv(ctx context.Context, dir string, argv []string) (*Result, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = []string{"PATH=" + os.Getenv("PATH")}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	returnCode := 0
	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			returnCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("gateway: exec %v: %w", argv, runErr)
		}
	}
	return &Result{ReturnCode: returnCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 20 * time.Second
	}
	return d
}
