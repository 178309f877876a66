package agent

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sagikat/shraga/internal/model"
)

func TestParseExecResult_Done(t *testing.T) {
	res := parseExecResult(cliResult{
		Result:    "Refactored the parser and added coverage.\n\ndone\n",
		SessionID: "sess-1",
	})
	if res.Failed || res.Blocked {
		t.Fatalf("unexpected state: %+v", res)
	}
	if res.SessionID != "sess-1" {
		t.Errorf("session: got %q", res.SessionID)
	}
	if !strings.Contains(res.Summary, "Refactored the parser") {
		t.Errorf("summary: got %q", res.Summary)
	}
	if strings.Contains(res.Summary, "done") {
		t.Errorf("summary should not contain the token: %q", res.Summary)
	}
}

func TestParseExecResult_Blocked(t *testing.T) {
	res := parseExecResult(cliResult{
		Result: "I inspected the repo.\nblocked: need the staging database password\n",
	})
	if !res.Blocked {
		t.Fatalf("expected blocked, got %+v", res)
	}
	if res.BlockReason != "need the staging database password" {
		t.Errorf("reason: got %q", res.BlockReason)
	}
}

func TestParseExecResult_MissingToken(t *testing.T) {
	res := parseExecResult(cliResult{Result: "I think I finished."})
	if !res.Failed {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestParseVerdict(t *testing.T) {
	verdict, err := parseVerdict("Reviewed everything.\n" +
		`{"approved": true, "testingDone": "ran the integration suite", "criteriaMet": ["builds", "tests pass"]}`)
	if err != nil {
		t.Fatalf("parseVerdict failed: %v", err)
	}
	if !verdict.Approved {
		t.Error("expected approval")
	}
	if len(verdict.CriteriaMet) != 2 {
		t.Errorf("criteriaMet: got %v", verdict.CriteriaMet)
	}
}

func TestParseVerdict_ApprovalWithoutTestingRejected(t *testing.T) {
	verdict, err := parseVerdict(`{"approved": true}`)
	if err != nil {
		t.Fatalf("parseVerdict failed: %v", err)
	}
	if verdict.Approved {
		t.Error("approval without testing evidence must be rejected")
	}
	if verdict.Feedback == "" {
		t.Error("expected substitute feedback")
	}
}

func TestParseVerdict_Malformed(t *testing.T) {
	if _, err := parseVerdict("all good, ship it"); err == nil {
		t.Fatal("expected error for non-JSON verdict line")
	}
}

func TestPrepareDir(t *testing.T) {
	r := &CLIRunner{workdir: t.TempDir()}
	task := model.Task{
		ID: "task-1",
		Input: model.TaskInput{
			Description:     "add a retry flag",
			SuccessCriteria: []string{"flag documented", "tests cover retries"},
			RepoURL:         "https://example.com/repo.git",
			Branch:          "main",
		},
	}

	dir, err := r.prepareDir(task, "")
	if err != nil {
		t.Fatalf("prepareDir failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, taskFileName))
	if err != nil {
		t.Fatalf("task file missing: %v", err)
	}
	if info.Mode().Perm() != 0444 {
		t.Errorf("task file mode: got %v, want 0444", info.Mode().Perm())
	}
	content, _ := os.ReadFile(filepath.Join(dir, taskFileName))
	for _, want := range []string{"add a retry flag", "flag documented", "branch main"} {
		if !strings.Contains(string(content), want) {
			t.Errorf("task file missing %q", want)
		}
	}

	// Second iteration carries feedback; third clears it again.
	if _, err := r.prepareDir(task, "missing error handling"); err != nil {
		t.Fatalf("prepareDir with feedback failed: %v", err)
	}
	fb, err := os.ReadFile(filepath.Join(dir, feedbackFileName))
	if err != nil {
		t.Fatalf("feedback file missing: %v", err)
	}
	if !strings.Contains(string(fb), "missing error handling") {
		t.Errorf("feedback content: got %q", fb)
	}

	if _, err := r.prepareDir(task, ""); err != nil {
		t.Fatalf("prepareDir without feedback failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, feedbackFileName)); !os.IsNotExist(err) {
		t.Error("feedback file should be removed when there is no feedback")
	}
}

func TestFilterEnv(t *testing.T) {
	environ := []string{"PATH=/usr/bin", "CLAUDECODE=1", "HOME=/home/u"}
	got := filterEnv(environ, "CLAUDECODE")
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	for _, kv := range got {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			t.Errorf("CLAUDECODE not filtered: %v", got)
		}
	}
}
