// Package agent invokes the agent CLI for the execution and verification
// phases of a task.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sagikat/shraga/internal/engine"
	"github.com/sagikat/shraga/internal/model"
)

const (
	taskFileName     = "task.md"
	feedbackFileName = "feedback.md"

	// doneToken must be the last line of a successful execution result.
	doneToken    = "done"
	blockedToken = "blocked:"
)

const workerSystemPrompt = `You are a worker agent. Implement the task described in task.md in the current directory. If feedback.md exists, it contains the verifier's rejection notes from your previous attempt; address every point in it.
When you are finished, end your reply with a single line containing exactly "done".
If you cannot proceed without information only the task submitter can provide, end your reply with a single line "blocked: <what you need>".`

const verifierSystemPrompt = `You are a verifier agent. Judge whether the worker's implementation satisfies every success criterion in task.md. You must actually exercise the deliverable (run it, test it, inspect its behavior); reading the code is not sufficient, and an approval without testing evidence is invalid.
End your reply with a single line containing only a JSON object:
{"approved": bool, "feedback": "...", "testingDone": "...", "criteriaMet": [...], "criteriaFailed": [...]}`

// cliResult is the agent CLI's JSON output envelope.
type cliResult struct {
	Result    string `json:"result"`
	SessionID string `json:"session_id"`
	IsError   bool   `json:"is_error"`
}

// CLIRunner runs both phases through the agent CLI in print mode. Each task
// gets its own directory under the configured workdir; the task file is
// written read-only so the worker cannot quietly rewrite its goal.
type CLIRunner struct {
	binary   string
	model    string
	workdir  string
	logger   *log.Logger
	logLevel LogLevel
}

var _ engine.Runner = (*CLIRunner)(nil)

func NewCLIRunner(cfg model.AgentConfig, logger *log.Logger, logLevel string) *CLIRunner {
	return &CLIRunner{
		binary:   cfg.Binary,
		model:    cfg.Model,
		workdir:  cfg.Workdir,
		logger:   logger,
		logLevel: parseLogLevel(logLevel),
	}
}

func (r *CLIRunner) Execute(ctx context.Context, req engine.ExecRequest) (model.ExecResult, error) {
	dir, err := r.prepareDir(req.Task, req.Feedback)
	if err != nil {
		return model.ExecResult{}, err
	}

	prompt := fmt.Sprintf("Work on the task in %s. Iteration %d.", taskFileName, req.Iteration)
	if req.Feedback != "" {
		prompt += fmt.Sprintf(" Address the verifier feedback in %s.", feedbackFileName)
	}

	res, err := r.invoke(ctx, dir, workerSystemPrompt, prompt, req.SessionID)
	if err != nil {
		return model.ExecResult{}, err
	}
	if res.IsError {
		return model.ExecResult{SessionID: res.SessionID, Failed: true, Error: strings.TrimSpace(res.Result)}, nil
	}

	return parseExecResult(res), nil
}

func (r *CLIRunner) Verify(ctx context.Context, req engine.VerifyRequest) (model.Verdict, error) {
	dir := r.taskDir(req.Task)

	prompt := fmt.Sprintf("Verify the work done for the task in %s. The worker reported: %s", taskFileName, req.Exec.Summary)
	res, err := r.invoke(ctx, dir, verifierSystemPrompt, prompt, "")
	if err != nil {
		return model.Verdict{}, err
	}
	if res.IsError {
		return model.Verdict{}, fmt.Errorf("verifier agent failed: %s", strings.TrimSpace(res.Result))
	}

	verdict, err := parseVerdict(res.Result)
	if err != nil {
		return model.Verdict{}, err
	}
	return verdict, nil
}

func (r *CLIRunner) taskDir(task model.Task) string {
	return filepath.Join(r.workdir, task.ID)
}

// prepareDir lays out the task directory: task.md read-only, feedback.md
// rewritten every iteration and removed when there is none.
func (r *CLIRunner) prepareDir(task model.Task, feedback string) (string, error) {
	dir := r.taskDir(task)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}

	taskPath := filepath.Join(dir, taskFileName)
	if _, err := os.Stat(taskPath); os.IsNotExist(err) {
		if err := os.WriteFile(taskPath, []byte(renderTaskFile(task)), 0444); err != nil {
			return "", fmt.Errorf("write task file: %w", err)
		}
	}

	feedbackPath := filepath.Join(dir, feedbackFileName)
	if feedback == "" {
		_ = os.Remove(feedbackPath)
	} else if err := os.WriteFile(feedbackPath, []byte(feedback+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write feedback file: %w", err)
	}

	return dir, nil
}

func renderTaskFile(task model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s\n\n%s\n", task.ID, task.Input.Description)
	if len(task.Input.SuccessCriteria) > 0 {
		b.WriteString("\n## Success criteria\n\n")
		for _, c := range task.Input.SuccessCriteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
	}
	if task.Input.RepoURL != "" {
		fmt.Fprintf(&b, "\nRepository: %s", task.Input.RepoURL)
		if task.Input.Branch != "" {
			fmt.Fprintf(&b, " (branch %s)", task.Input.Branch)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// invoke runs one CLI call and decodes its JSON envelope.
func (r *CLIRunner) invoke(ctx context.Context, dir, systemPrompt, prompt, sessionID string) (cliResult, error) {
	args := []string{
		"--print",
		"--output-format", "json",
		"--dangerously-skip-permissions",
		"--append-system-prompt", systemPrompt,
	}
	if r.model != "" {
		args = append(args, "--model", r.model)
	}
	if sessionID != "" {
		args = append(args, "--resume", sessionID)
	}

	cmd := exec.CommandContext(ctx, r.binary, args...)
	cmd.Dir = dir
	// Clear CLAUDECODE so the CLI can be launched from inside a parent
	// agent session.
	cmd.Env = filterEnv(os.Environ(), "CLAUDECODE")
	cmd.Stdin = strings.NewReader(prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log(LogLevelDebug, "agent_invoke dir=%s args=%d", dir, len(args))
	if err := cmd.Run(); err != nil {
		return cliResult{}, fmt.Errorf("run %s: %w (stderr: %s)", r.binary, err, strings.TrimSpace(stderr.String()))
	}

	var res cliResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return cliResult{}, fmt.Errorf("decode agent output: %w", err)
	}
	return res, nil
}

// parseExecResult interprets the worker's final token. A reply without one is
// an agent failure, not a success with an odd summary.
func parseExecResult(res cliResult) model.ExecResult {
	line := lastNonBlankLine(res.Result)
	switch {
	case line == doneToken:
		return model.ExecResult{
			Summary:   strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(res.Result), doneToken)),
			SessionID: res.SessionID,
		}
	case strings.HasPrefix(line, blockedToken):
		return model.ExecResult{
			SessionID:   res.SessionID,
			Blocked:     true,
			BlockReason: strings.TrimSpace(strings.TrimPrefix(line, blockedToken)),
		}
	default:
		return model.ExecResult{
			SessionID: res.SessionID,
			Failed:    true,
			Error:     "agent reply missing completion token",
		}
	}
}

// parseVerdict reads the JSON object the verifier must emit as its last line.
func parseVerdict(result string) (model.Verdict, error) {
	line := lastNonBlankLine(result)
	var v model.Verdict
	if err := json.Unmarshal([]byte(line), &v); err != nil {
		return model.Verdict{}, fmt.Errorf("parse verdict line %q: %w", line, err)
	}
	if v.Approved && v.TestingDone == "" {
		v.Approved = false
		if v.Feedback == "" {
			v.Feedback = "approval rejected: no testing evidence provided"
		}
	}
	return v, nil
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// filterEnv returns a copy of environ with the named variable removed.
func filterEnv(environ []string, name string) []string {
	prefix := name + "="
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}

type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

func parseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug
	case "info":
		return LogLevelInfo
	case "warn", "warning":
		return LogLevelWarn
	case "error":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (r *CLIRunner) log(level LogLevel, format string, args ...any) {
	if level < r.logLevel {
		return
	}
	levelStr := "INFO"
	switch level {
	case LogLevelDebug:
		levelStr = "DEBUG"
	case LogLevelWarn:
		levelStr = "WARN"
	case LogLevelError:
		levelStr = "ERROR"
	}
	msg := fmt.Sprintf(format, args...)
	r.logger.Printf("%s %s agent: %s", time.Now().Format(time.RFC3339), levelStr, msg)
}
