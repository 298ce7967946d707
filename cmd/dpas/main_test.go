package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dpas/internal/config"
	"dpas/internal/dataset"
	"dpas/internal/logging"
	"dpas/internal/testsupport"
)

func writeTestConfig(t *testing.T, cfg *config.Config) string {
	t.Helper()
	content := fmt.Sprintf(`[paths]
data_dir = %q
log_dir = %q
results_dir = %q
api_bind = %q

[detector]
backend = "stub"

[logging]
file = ""
`, cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.ResultsDir, cfg.Paths.APIBind)
	path := filepath.Join(testsupport.BaseDir(cfg), "config.toml")
	testsupport.MustWrite(t, path, []byte(content))
	return path
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestQueueCommands(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	store := testsupport.MustOpenQueue(t, cfg)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, testsupport.JPEG(t, 8, 8))
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if _, err := store.Enqueue(ctx, testsupport.JPEG(t, 8, 8)); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := store.Dequeue(ctx, "test")
	if err != nil || job == nil || job.ID != first {
		t.Fatalf("Dequeue = %v, %v", job, err)
	}
	if _, err := store.Fail(ctx, job.ID, "test", errors.New("boom"), false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "status"}, configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	if !strings.Contains(out, "pending") || !strings.Contains(out, "dead") {
		t.Fatalf("unexpected status output:\n%s", out)
	}

	out, _, err = runCLI(t, []string{"queue", "list", "--status", "dead"}, configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	if !strings.Contains(out, first) || !strings.Contains(out, "boom") {
		t.Fatalf("expected dead job in list:\n%s", out)
	}

	if _, _, err := runCLI(t, []string{"queue", "list", "--status", "bogus"}, configPath); err == nil {
		t.Fatal("expected unknown status error")
	}

	out, _, err = runCLI(t, []string{"queue", "retry"}, configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	if !strings.Contains(out, "Retried 1 jobs") {
		t.Fatalf("unexpected retry output %q", out)
	}
	retried, err := store.Get(ctx, first)
	if err != nil || retried.Status != "pending" || retried.Attempts != 0 {
		t.Fatalf("expected job back to pending, got %+v (%v)", retried, err)
	}

	out, _, err = runCLI(t, []string{"queue", "purge"}, configPath)
	if err != nil || !strings.Contains(out, "Purged 0 completed jobs") {
		t.Fatalf("queue purge = %q, %v", out, err)
	}

	out, _, err = runCLI(t, []string{"queue", "health"}, configPath)
	if err != nil {
		t.Fatalf("queue health: %v", err)
	}
	if !strings.Contains(out, "Integrity check: yes") || !strings.Contains(out, "Total jobs: 2") {
		t.Fatalf("unexpected health output:\n%s", out)
	}
}

func TestConvertCommandUsesExplicitSeed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	input := filepath.Join(testsupport.BaseDir(cfg), "export")
	testsupport.MustWrite(t, filepath.Join(input, dataset.ManifestFile), []byte(`[{"id":1,"name":"person"}]`))
	for _, stem := range []string{"a", "b", "c", "d"} {
		testsupport.WriteJPEG(t, filepath.Join(input, dataset.ImagesDir, stem+".jpg"), 10, 10)
		testsupport.MustWrite(t, filepath.Join(input, dataset.DetectionsDir, stem+".json"),
			[]byte(`[{"id":1,"tag_id":1,"x_min":1,"y_min":1,"x_max":5,"y_max":5,"width":10,"height":10}]`))
	}
	output := filepath.Join(testsupport.BaseDir(cfg), "yolo")

	out, _, err := runCLI(t, []string{"convert", "--input", input, "--output", output, "--seed", "7", "--ratio", "0.5"}, configPath)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if !strings.Contains(out, "Seed") || !strings.Contains(out, "7") {
		t.Fatalf("expected seed in summary:\n%s", out)
	}
	if _, err := os.Stat(filepath.Join(output, dataset.TagsYAMLFile)); err != nil {
		t.Fatalf("expected tags.yaml: %v", err)
	}
	train, _ := os.ReadDir(filepath.Join(output, dataset.LabelsDir, "train"))
	test, _ := os.ReadDir(filepath.Join(output, dataset.LabelsDir, "test"))
	if len(train) != 2 || len(test) != 2 {
		t.Fatalf("expected 2 train and 2 test labels, got %d and %d", len(train), len(test))
	}

	if _, _, err := runCLI(t, []string{"convert", "--output", output}, configPath); err == nil {
		t.Fatal("expected missing --input to fail")
	}
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "dpas", "config.toml")
	out, _, err := runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("expected target in output %q", out)
	}
	if _, _, _, err := config.Load(target); err != nil {
		t.Fatalf("sample config does not load: %v", err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected existing config to be refused")
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target, "--overwrite"}, ""); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestServeAcceptsUploadsAndHoldsLock(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithWorkers(2))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := startServe(ctx, cfg, logging.NewNop(), true)
	if err != nil {
		t.Fatalf("startServe: %v", err)
	}
	defer rt.Close()

	if _, err := startServe(ctx, cfg, logging.NewNop(), true); err == nil || !strings.Contains(err.Error(), "another dpas serve") {
		t.Fatalf("expected second serve to be refused, got %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, _ := mw.CreateFormFile("image", "a.jpg")
	_, _ = part.Write(testsupport.JPEG(t, 16, 16))
	_ = mw.Close()
	resp, err := http.Post("http://"+rt.server.Addr()+"/process", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for rt.pool.Stats().Completed == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if rt.pool.Stats().Completed != 1 {
		t.Fatalf("expected one completed job, got %+v", rt.pool.Stats())
	}
}

func TestUploadCommandSubmitsToGateway(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := startServe(ctx, cfg, logging.NewNop(), false)
	if err != nil {
		t.Fatalf("startServe: %v", err)
	}
	defer rt.Close()

	dir := filepath.Join(testsupport.BaseDir(cfg), "images")
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		testsupport.WriteJPEG(t, filepath.Join(dir, name), 8, 8)
	}
	out, _, err := runCLI(t, []string{"upload", dir, "--endpoint", "http://" + rt.server.Addr() + "/process", "--stride", "2"}, configPath)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if !strings.Contains(out, "Submitted 2 of 2 selected (3 considered)") {
		t.Fatalf("unexpected upload output %q", out)
	}
}

func TestStatusCommandReportsGateway(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	configPath := writeTestConfig(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := startServe(ctx, cfg, logging.NewNop(), false)
	if err != nil {
		t.Fatalf("startServe: %v", err)
	}
	defer rt.Close()

	out, _, err := runCLI(t, []string{"status", "--endpoint", "http://" + rt.server.Addr() + "/process"}, configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if strings.Contains(out, "FAIL") || !strings.Contains(out, "Gateway") || !strings.Contains(out, "pending") {
		t.Fatalf("unexpected status output:\n%s", out)
	}
}
