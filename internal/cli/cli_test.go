package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testCampaign = `
name: sweep
concurrency: 2
app:
  name: square
  params:
    x: {type: float, min: 0, max: 10}
  encoder:
    template: input.template
    target: input.txt
  decoder:
    kind: csv
    target: output.csv
    columns: [y]
sampler:
  kind: basic_sweep
  sweep:
    x: [1, 2, 3]
execute:
  command: printf 'y\n%s\n' "$(cut -d= -f2 input.txt)" > output.csv
  pool: sync
`

func writeCampaign(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "input.template"), []byte("x=$x\n"), 0o644); err != nil {
		t.Fatalf("write template: %v", err)
	}
	path := filepath.Join(dir, "campaign.yaml")
	if err := os.WriteFile(path, []byte(testCampaign), 0o644); err != nil {
		t.Fatalf("write campaign file: %v", err)
	}
	return path
}

func runCLI(t *testing.T, file string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := NewRootCommand(&out)
	root.SetArgs(append([]string{"--file", file, "--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRunCLI(t *testing.T, file string, args ...string) string {
	t.Helper()
	out, err := runCLI(t, file, args...)
	if err != nil {
		t.Fatalf("campaign %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestCLI_InitDrawRunCollate(t *testing.T) {
	file := writeCampaign(t)

	out := mustRunCLI(t, file, "init")
	if !strings.Contains(out, "initialized campaign sweep") {
		t.Fatalf("unexpected init output %q", out)
	}
	if _, err := runCLI(t, file, "init"); err == nil {
		t.Fatalf("expected second init to fail")
	}

	out = mustRunCLI(t, file, "draw", "-n", "2")
	if !strings.Contains(out, "drew 2 samples into ensemble_1 (runs 1-2)") {
		t.Fatalf("unexpected draw output %q", out)
	}
	out = mustRunCLI(t, file, "draw")
	if !strings.Contains(out, "drew 1 sample into ensemble_2 (runs 3-3)") {
		t.Fatalf("unexpected draw output %q", out)
	}
	if _, err := runCLI(t, file, "draw"); err == nil {
		t.Fatalf("expected exhausted sampler error")
	}

	out = mustRunCLI(t, file, "run")
	if !strings.Contains(out, "run: 3 runs processed, 3 succeeded, 0 failed, 0 pending") {
		t.Fatalf("unexpected run output %q", out)
	}

	dataset := filepath.Join(t.TempDir(), "dataset.csv")
	out = mustRunCLI(t, file, "collate", "--out", dataset)
	if !strings.Contains(out, "collated 3 runs") {
		t.Fatalf("unexpected collate output %q", out)
	}
	raw, err := os.ReadFile(dataset)
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 4 || lines[0] != "run_id,ensemble_id,x,y" {
		t.Fatalf("unexpected dataset:\n%s", raw)
	}
	if lines[3] != "3,ensemble_2,3,3" {
		t.Fatalf("unexpected last row %q", lines[3])
	}

	out = mustRunCLI(t, file, "status")
	for _, want := range []string{"COLLATED            3", "collated 3 runs, last run id 3", "all runs complete"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
	out = mustRunCLI(t, file, "runs", "--status", "collated")
	if !strings.Contains(out, "run_3") {
		t.Fatalf("runs output missing run_3:\n%s", out)
	}
	out = mustRunCLI(t, file, "log")
	if !strings.Contains(out, "collation.completed") {
		t.Fatalf("log output missing collation event:\n%s", out)
	}
}

func TestCLI_RetryAndPurge(t *testing.T) {
	file := writeCampaign(t)
	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatalf("read campaign file: %v", err)
	}
	failing := strings.Replace(string(raw), "command: printf 'y\\n%s\\n' \"$(cut -d= -f2 input.txt)\" > output.csv", "command: exit 3", 1)
	if err := os.WriteFile(file, []byte(failing), 0o644); err != nil {
		t.Fatalf("rewrite campaign file: %v", err)
	}

	mustRunCLI(t, file, "init")
	mustRunCLI(t, file, "draw")
	out := mustRunCLI(t, file, "run")
	if !strings.Contains(out, "3 failed") {
		t.Fatalf("expected every run to fail, got %q", out)
	}
	out = mustRunCLI(t, file, "retry")
	if !strings.Contains(out, "retried 3 runs") {
		t.Fatalf("unexpected retry output %q", out)
	}
	if _, err := runCLI(t, file, "retry", "run_x"); err == nil {
		t.Fatalf("expected invalid run id error")
	}

	if _, err := runCLI(t, file, "purge"); err == nil {
		t.Fatalf("expected purge without --yes to fail")
	}
	mustRunCLI(t, file, "purge", "--yes")
	out = mustRunCLI(t, file, "runs")
	if !strings.Contains(out, "No runs.") {
		t.Fatalf("expected no runs after purge:\n%s", out)
	}
}

func TestCLI_RequiresInit(t *testing.T) {
	file := writeCampaign(t)
	_, err := runCLI(t, file, "status")
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Fatalf("expected not initialized error, got %v", err)
	}
}

func TestCLI_QueueWithoutWorkers(t *testing.T) {
	file := writeCampaign(t)
	mustRunCLI(t, file, "init")

	out := mustRunCLI(t, file, "queue", "--batch", "b1")
	if !strings.Contains(out, "No workers.") {
		t.Fatalf("expected no workers, got:\n%s", out)
	}
	if !strings.Contains(out, "batch b1: 0 runs, up to 0 attempts") {
		t.Fatalf("expected empty batch summary, got:\n%s", out)
	}
}

func TestCLI_MCMC(t *testing.T) {
	file := writeCampaign(t)
	doc := strings.Replace(testCampaign, `  kind: basic_sweep
  sweep:
    x: [1, 2, 3]`, `  kind: mcmc
  init: {x: 5}
  step: {x: 0.5}
  seed: 3`, 1)
	if err := os.WriteFile(file, []byte(doc), 0o644); err != nil {
		t.Fatalf("write campaign file: %v", err)
	}

	mustRunCLI(t, file, "init")
	if _, err := runCLI(t, file, "mcmc", "--steps", "3"); err == nil {
		t.Fatalf("expected mcmc without --target to fail")
	}
	out := mustRunCLI(t, file, "mcmc", "--steps", "3", "--target", "y", "--log")
	if !strings.Contains(out, "mcmc: 3 steps") {
		t.Fatalf("unexpected mcmc output %q", out)
	}
	// The chain resumes from the saved state on the next invocation.
	out = mustRunCLI(t, file, "mcmc", "--steps", "2", "--target", "y", "--log")
	if !strings.Contains(out, "mcmc: 2 steps") {
		t.Fatalf("unexpected second mcmc output %q", out)
	}
}
