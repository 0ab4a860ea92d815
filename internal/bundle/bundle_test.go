package bundle

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/adapters/state"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
)

func newTestStore(t *testing.T) *state.SQLiteRunStore {
	t.Helper()
	store, err := state.NewSQLiteRunStore(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// failedRunFixture stores a job with one failed attempt whose log points at
// logPath.
func failedRunFixture(t *testing.T, store *state.SQLiteRunStore, logPath string) (*core.Job, *core.RunRecord) {
	t.Helper()
	job := core.NewJob([]string{"make", "test"}).WithMaxRetries(1).WithLocks("build")
	rec := core.NewRunRecord(job.ID, 1)
	if err := store.EnqueueJob(t.Context(), job, rec); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	_, claimed, err := store.ClaimNextJob(t.Context())
	if err != nil {
		t.Fatalf("ClaimNextJob: %v", err)
	}
	claimed.LogPath = logPath
	if err := claimed.MarkRunning(4242, 4242); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRun(t.Context(), claimed); err != nil {
		t.Fatalf("UpdateRun running: %v", err)
	}
	if err := claimed.MarkFailed(3, core.ErrKindCommandFailure, "exit status 3"); err != nil {
		t.Fatal(err)
	}
	if err := store.UpdateRun(t.Context(), claimed); err != nil {
		t.Fatalf("UpdateRun failed: %v", err)
	}
	return job, claimed
}

func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening bundle: %v", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("opening gzip stream: %v", err)
	}
	defer gz.Close()

	entries := make(map[string][]byte)
	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading archive: %v", err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("reading entry %s: %v", header.Name, err)
		}
		entries[header.Name] = data
	}
	return entries
}

func TestExportBundlesRunArtifacts(t *testing.T) {
	store := newTestStore(t)
	tmp := t.TempDir()

	logPath := filepath.Join(tmp, "logs", "run.jsonl")
	logData := []byte(`{"ts":"2026-08-23T10:00:00Z","stream":"stdout","line":"building"}` + "\n")
	if err := os.MkdirAll(filepath.Dir(logPath), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(logPath, logData, 0o644); err != nil {
		t.Fatal(err)
	}

	job, run := failedRunFixture(t, store, logPath)

	dumpsDir := filepath.Join(tmp, "dumps")
	if err := os.MkdirAll(dumpsDir, 0o750); err != nil {
		t.Fatal(err)
	}
	ownDump := `{"run_id":"` + run.RunID + `","trigger":"cleanup_failure"}`
	for name, content := range map[string]string{
		"crash-2026-08-23T10-00-01.json": ownDump,
		"crash-2026-08-23T09-00-00.json": `{"run_id":"someone-else"}`,
		"crash-mangled.json":             `{not json`,
		"notes.txt":                      "not a dump",
	} {
		if err := os.WriteFile(filepath.Join(dumpsDir, name), []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	outPath := filepath.Join(tmp, "out", "bundle.tar.gz")
	result, err := Export(t.Context(), store, &Options{
		RunID:       run.RunID,
		OutputPath:  outPath,
		DumpsDir:    dumpsDir,
		ToolVersion: "test-version",
	})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.OutputPath != outPath {
		t.Errorf("OutputPath = %q, want %q", result.OutputPath, outPath)
	}

	entries := readArchive(t, outPath)
	if len(entries) != 3 {
		t.Fatalf("archive has %d entries (%v), want manifest, log and one dump", len(entries), keys(entries))
	}
	if string(entries["run.jsonl"]) != string(logData) {
		t.Errorf("archived log = %q, want %q", entries["run.jsonl"], logData)
	}
	if string(entries["dumps/crash-2026-08-23T10-00-01.json"]) != ownDump {
		t.Error("run's crash dump missing or altered in archive")
	}

	manifest, err := decodeManifest(entries["manifest.yaml"])
	if err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	if manifest.Version != FormatVersion || manifest.SeqpipeVersion != "test-version" {
		t.Errorf("manifest header = %+v", manifest)
	}
	if manifest.Job.ID != job.ID || manifest.Run.RunID != run.RunID {
		t.Errorf("manifest identities = %s/%s, want %s/%s",
			manifest.Job.ID, manifest.Run.RunID, job.ID, run.RunID)
	}
	if manifest.Run.Status != string(core.StatusFailed) || manifest.Run.ExitCode != 3 {
		t.Errorf("manifest run = %+v, want failed exit 3", manifest.Run)
	}
	if !manifest.LogPresent || manifest.DumpCount != 1 {
		t.Errorf("LogPresent=%v DumpCount=%d, want true/1", manifest.LogPresent, manifest.DumpCount)
	}

	wantHash := sha256.Sum256(logData)
	var logEntry *FileEntry
	for i := range manifest.Files {
		if manifest.Files[i].Path == "run.jsonl" {
			logEntry = &manifest.Files[i]
		}
	}
	if logEntry == nil {
		t.Fatal("manifest lists no run.jsonl entry")
	}
	if logEntry.SHA256 != hex.EncodeToString(wantHash[:]) || logEntry.Size != int64(len(logData)) {
		t.Errorf("log file entry = %+v", logEntry)
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestExportWithoutCapturedLog(t *testing.T) {
	store := newTestStore(t)
	tmp := t.TempDir()

	// The record names a log that was never written.
	_, run := failedRunFixture(t, store, filepath.Join(tmp, "logs", "never-written.jsonl"))

	outPath := filepath.Join(tmp, "bundle.tar.gz")
	result, err := Export(t.Context(), store, &Options{RunID: run.RunID, OutputPath: outPath})
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if result.Manifest.LogPresent {
		t.Error("LogPresent = true with no log on disk")
	}

	entries := readArchive(t, outPath)
	if _, ok := entries["run.jsonl"]; ok {
		t.Error("archive contains a log entry that never existed")
	}
	if _, ok := entries["manifest.yaml"]; !ok {
		t.Error("archive missing manifest")
	}
}

func TestExportUnknownRun(t *testing.T) {
	store := newTestStore(t)

	_, err := Export(t.Context(), store, &Options{
		RunID:      "20990101T000000.000-deadbeef",
		OutputPath: filepath.Join(t.TempDir(), "bundle.tar.gz"),
	})
	if !core.IsKind(err, core.ErrKindNotFound) {
		t.Errorf("Export(unknown run) = %v, want a not-found error", err)
	}
}

func TestNormalizeOptionsDefaultsOutputPath(t *testing.T) {
	opts := &Options{RunID: "20260823T100000.000-0a1b2c3d"}
	if err := normalizeOptions(opts); err != nil {
		t.Fatalf("normalizeOptions: %v", err)
	}
	if opts.OutputPath != "seqpipe-20260823T100000.000-0a1b2c3d.tar.gz" {
		t.Errorf("OutputPath = %q", opts.OutputPath)
	}

	if err := normalizeOptions(&Options{}); !core.IsKind(err, core.ErrKindValidation) {
		t.Errorf("normalizeOptions(no run) = %v, want a validation error", err)
	}
}

func TestDecodeManifestRejectsUnknownVersion(t *testing.T) {
	if _, err := decodeManifest([]byte("version: 99\n")); err == nil {
		t.Error("decodeManifest accepted an unknown version")
	}
}
