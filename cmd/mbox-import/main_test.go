package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

const sampleMbox = `From alice@example.org Mon Jan  1 00:00:00 2024
Message-ID: <1@example.org>
Subject: one

first


From bob@example.org Mon Jan  1 00:01:00 2024
Message-ID: <2@example.org>
Subject: two

second

From carol@example.org Mon Jan  1 00:02:00 2024
Message-ID: <3@example.org>
Subject: three

third
`

// fakeGoogle serves both the OAuth token endpoint and the migration API.
type fakeGoogle struct {
	responseCode string
	apiStatus    int
	inserts      atomic.Int32
	tokens       atomic.Int32
}

func (g *fakeGoogle) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path == "/token" {
		g.tokens.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "test-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
		return
	}
	if r.Header.Get("Authorization") != "Bearer test-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": 401, "message": "no token"}})
		return
	}
	g.inserts.Add(1)
	if g.apiStatus != 0 && g.apiStatus != http.StatusOK {
		w.WriteHeader(g.apiStatus)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": g.apiStatus, "message": "rejected"}})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"kind": "groupsmigration#groups", "responseCode": g.responseCode})
}

// env is a scratch directory with an mbox, service account credentials and a
// config file pointing at a fake Google.
type env struct {
	dir     string
	mbox    string
	workDir string
	config  string
	api     *fakeGoogle
}

func newEnv(t *testing.T, api *fakeGoogle) *env {
	t.Helper()
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	e := &env{
		dir:     dir,
		mbox:    filepath.Join(dir, "list.mbox"),
		workDir: filepath.Join(dir, "work"),
		config:  filepath.Join(dir, "mbox-import.yaml"),
		api:     api,
	}
	if err := os.WriteFile(e.mbox, []byte(sampleMbox), 0o600); err != nil {
		t.Fatal(err)
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}
	creds, _ := json.Marshal(map[string]string{
		"type":         "service_account",
		"client_email": "importer@project.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"token_uri":    ts.URL + "/token",
	})
	credsPath := filepath.Join(dir, "sa.json")
	if err := os.WriteFile(credsPath, creds, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := "import:\n" +
		"  dst_group: list@example.org\n" +
		"  sa_creds: " + credsPath + "\n" +
		"  sa_delegator: admin@example.org\n" +
		"  api_endpoint: " + ts.URL + "/\n"
	if err := os.WriteFile(e.config, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	return e
}

func (e *env) run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	args = append([]string{"--config", e.config, "--work-dir", e.workDir}, args...)
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func (e *env) report(t *testing.T, args ...string) string {
	t.Helper()
	var stdout, stderr bytes.Buffer
	args = append([]string{"report", "--config", e.config, "--work-dir", e.workDir}, args...)
	if code := run(args, &stdout, &stderr); code != 0 {
		t.Fatalf("report = %d; stderr: %s", code, stderr.String())
	}
	return stdout.String()
}

func workFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// ─── Import ───────────────────────────────────────────────────────────────────

func TestImport_AllMessages(t *testing.T) {
	e := newEnv(t, &fakeGoogle{responseCode: "SUCCESS"})

	code, stdout, stderr := e.run("--src-mbox", e.mbox, "--num-workers", "2")
	if code != 0 {
		t.Fatalf("mbox-import = %d; stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "imported 3 of 3 messages, 0 failed") {
		t.Errorf("stdout = %q", stdout)
	}
	if got := workFiles(t, e.workDir); len(got) != 0 {
		t.Errorf("work dir still holds %v", got)
	}
	if n := e.api.inserts.Load(); n != 3 {
		t.Errorf("inserts = %d, want 3", n)
	}

	out := e.report(t, "--all")
	if strings.Count(out, "imported") != 3 {
		t.Errorf("report --all:\n%s", out)
	}
}

func TestImport_FailuresStayAndAreReported(t *testing.T) {
	e := newEnv(t, &fakeGoogle{apiStatus: http.StatusBadRequest})

	code, stdout, stderr := e.run("--src-mbox", e.mbox)
	if code != 0 {
		t.Fatalf("per-message failures must not fail the run: code %d; stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "imported 0 of 3 messages, 3 failed") {
		t.Errorf("stdout = %q", stdout)
	}
	if got := workFiles(t, e.workDir); len(got) != 3 {
		t.Errorf("work dir = %v, want all 3 messages kept", got)
	}

	out := e.report(t)
	for _, key := range []string{"0", "1", "2"} {
		if !strings.Contains(out, "\n"+key+" ") {
			t.Errorf("report missing key %s:\n%s", key, out)
		}
	}
	if !strings.Contains(out, "failed") {
		t.Errorf("report:\n%s", out)
	}
}

func TestImport_ResumeContinuesWithRemainingFiles(t *testing.T) {
	e := newEnv(t, &fakeGoogle{apiStatus: http.StatusBadRequest})
	if code, _, stderr := e.run("--src-mbox", e.mbox); code != 0 {
		t.Fatalf("first run = %d; stderr: %s", code, stderr)
	}

	e.api.apiStatus = http.StatusOK
	e.api.responseCode = "SUCCESS"
	code, stdout, stderr := e.run("--resume", "--src-mbox", e.mbox)
	if code != 0 {
		t.Fatalf("resume = %d; stderr: %s", code, stderr)
	}
	if !strings.Contains(stderr, "ignoring --src-mbox because --resume is specified") {
		t.Errorf("stderr does not mention the ignored mbox:\n%s", stderr)
	}
	if !strings.Contains(stdout, "imported 3 of 3 messages") {
		t.Errorf("stdout = %q", stdout)
	}
	if got := workFiles(t, e.workDir); len(got) != 0 {
		t.Errorf("work dir still holds %v", got)
	}
	if out := e.report(t); !strings.Contains(out, "No entries.") {
		t.Errorf("report after successful resume:\n%s", out)
	}
}

func TestImport_FreshUnpackForgetsEarlierOutcomes(t *testing.T) {
	e := newEnv(t, &fakeGoogle{apiStatus: http.StatusBadRequest})
	if code, _, stderr := e.run("--src-mbox", e.mbox); code != 0 {
		t.Fatalf("first run = %d; stderr: %s", code, stderr)
	}
	if out := e.report(t); !strings.Contains(out, "failed") {
		t.Fatalf("first run left no failures in the journal:\n%s", out)
	}

	// The operator starts over with a different, smaller mailbox.
	if err := os.RemoveAll(e.workDir); err != nil {
		t.Fatal(err)
	}
	single := filepath.Join(e.dir, "single.mbox")
	msg := "From dave@example.org Mon Jan  1 00:03:00 2024\nMessage-ID: <4@example.org>\nSubject: four\n\nfourth\n"
	if err := os.WriteFile(single, []byte(msg), 0o600); err != nil {
		t.Fatal(err)
	}
	e.api.apiStatus = http.StatusOK
	e.api.responseCode = "SUCCESS"

	code, stdout, stderr := e.run("--src-mbox", single)
	if code != 0 {
		t.Fatalf("second run = %d; stderr: %s", code, stderr)
	}
	if !strings.Contains(stdout, "imported 1 of 1 messages") {
		t.Errorf("stdout = %q", stdout)
	}
	if out := e.report(t); !strings.Contains(out, "No entries.") {
		t.Errorf("report lists outcomes from the previous mailbox:\n%s", out)
	}
	out := e.report(t, "--all")
	if strings.Count(out, "imported") != 1 || strings.Contains(out, "failed") {
		t.Errorf("report --all:\n%s", out)
	}
}

func TestImport_NonEmptyWorkDirWithoutResume(t *testing.T) {
	e := newEnv(t, &fakeGoogle{responseCode: "SUCCESS"})
	if err := os.MkdirAll(e.workDir, 0o750); err != nil {
		t.Fatal(err)
	}
	stray := filepath.Join(e.workDir, "stray")
	if err := os.WriteFile(stray, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}

	code, _, stderr := e.run("--src-mbox", e.mbox)
	if code != 1 {
		t.Fatalf("mbox-import = %d, want 1", code)
	}
	if !strings.Contains(stderr, "working directory is not empty but --resume not given") {
		t.Errorf("stderr = %q", stderr)
	}
	if got := workFiles(t, e.workDir); len(got) != 1 || got[0] != "stray" {
		t.Errorf("work dir changed: %v", got)
	}
	if n := e.api.inserts.Load(); n != 0 {
		t.Errorf("inserts = %d, want 0", n)
	}
}

func TestImport_MissingSource(t *testing.T) {
	e := newEnv(t, &fakeGoogle{responseCode: "SUCCESS"})
	code, _, stderr := e.run()
	if code != 1 {
		t.Fatalf("mbox-import = %d, want 1", code)
	}
	if !strings.Contains(stderr, "src_mbox is required") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestImport_BadLogLevel(t *testing.T) {
	e := newEnv(t, &fakeGoogle{responseCode: "SUCCESS"})
	code, _, stderr := e.run("--src-mbox", e.mbox, "--log-level", "loud")
	if code != 1 {
		t.Fatalf("mbox-import = %d, want 1", code)
	}
	if !strings.Contains(stderr, "log.level") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestImport_UnknownFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--no-such-flag"}, &stdout, &stderr); code != 1 {
		t.Errorf("mbox-import --no-such-flag = %d, want 1", code)
	}
}

// ─── report / version ─────────────────────────────────────────────────────────

func TestReport_NoJournal(t *testing.T) {
	var stdout, stderr bytes.Buffer
	dir := t.TempDir()
	code := run([]string{"report", "--config", filepath.Join(dir, "none.yaml"), "--work-dir", filepath.Join(dir, "work")}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("report = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "no journal at") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestVersion(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"version"}, &stdout, &stderr); code != 0 {
		t.Fatalf("version = %d; stderr: %s", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "mbox-import dev") {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestHelp_CarriesOperatorNotes(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--help"}, &stdout, &stderr); code != 0 {
		t.Fatalf("--help = %d; stderr: %s", code, stderr.String())
	}
	out := stdout.String()
	for _, want := range []string{
		"domain-wide delegation",
		"admin role",
		"parallel insertions are not supported",
		"same Message-ID",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("help output missing %q:\n%s", want, out)
		}
	}
}
