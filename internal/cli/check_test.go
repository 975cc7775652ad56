package cli

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func captureStdout(t *testing.T, fn func() error) (string, error) {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	os.Stdout = w
	defer func() { os.Stdout = orig }()

	runErr := fn()
	w.Close()
	out, _ := io.ReadAll(r)
	return string(out), runErr
}

func writeCheckPolicy(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	content := `
version: v1
ports:
  8080:
    - match: "/admin/*"
      action: deny
      reason: admin locked
    - sources: ["10.0.0.0/8"]
      action: allow
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return path
}

func TestRunCheckConnectionDecision(t *testing.T) {
	checkPolicy = writeCheckPolicy(t)
	checkPort = 8080
	checkSource = "10.0.0.5"
	checkIdentity = ""
	checkProtocol = "opaque"
	checkKey = ""

	out, err := captureStdout(t, func() error { return runCheck(nil, nil) })
	if err != nil {
		t.Fatalf("runCheck: %v", err)
	}

	var result struct {
		PolicyVersion string `json:"policy_version"`
		Connection    struct {
			Decision  string `json:"decision"`
			RuleIndex int    `json:"rule_index"`
		} `json:"connection"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if result.PolicyVersion != "v1" {
		t.Errorf("policy_version: %q", result.PolicyVersion)
	}
	if result.Connection.Decision != "allow" || result.Connection.RuleIndex != 1 {
		t.Errorf("connection decision: %+v", result.Connection)
	}
}

func TestRunCheckRequestEvaluation(t *testing.T) {
	checkPolicy = writeCheckPolicy(t)
	checkPort = 8080
	checkSource = "10.0.0.5"
	checkIdentity = ""
	checkProtocol = "http/1"
	checkKey = "/admin/users"

	out, err := captureStdout(t, func() error { return runCheck(nil, nil) })
	if err != nil {
		t.Fatalf("runCheck: %v", err)
	}

	var result struct {
		Request struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		} `json:"request"`
	}
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("parse output: %v\n%s", err, out)
	}
	if result.Request.Decision != "deny" || result.Request.Reason != "admin locked" {
		t.Errorf("request decision: %+v", result.Request)
	}
}

func TestRunCheckRejectsBadInput(t *testing.T) {
	checkPolicy = writeCheckPolicy(t)
	checkPort = 8080
	checkSource = "not-an-address"
	checkProtocol = "opaque"
	checkKey = ""
	if _, err := captureStdout(t, func() error { return runCheck(nil, nil) }); err == nil {
		t.Error("invalid source address should error")
	}

	checkSource = "10.0.0.5"
	checkProtocol = "http/3"
	if _, err := captureStdout(t, func() error { return runCheck(nil, nil) }); err == nil {
		t.Error("invalid protocol should error")
	}
}
