package bundle

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Emasoft/SelectFileCLI-sub003/internal/core"
	"github.com/Emasoft/SelectFileCLI-sub003/internal/fsutil"
)

// Export writes the bundle archive for one run.
func Export(ctx context.Context, store core.RunStore, opts *Options) (*Result, error) {
	if err := normalizeOptions(opts); err != nil {
		return nil, err
	}

	run, err := store.GetRun(ctx, opts.RunID)
	if err != nil {
		return nil, err
	}
	job, err := store.GetJob(ctx, run.JobID)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(opts.OutputPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating output directory: %w", err)
		}
	}
	out, err := os.Create(opts.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("creating bundle file: %w", err)
	}
	defer out.Close()

	gzWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzWriter)

	manifest := &Manifest{
		Version:        FormatVersion,
		CreatedAt:      time.Now().UTC(),
		SeqpipeVersion: opts.ToolVersion,
		Job:            jobEntry(job),
		Run:            runEntry(run),
		Files:          make([]FileEntry, 0),
	}

	if run.LogPath != "" {
		data, mode, readErr := readFileWithMode(run.LogPath)
		switch {
		case readErr == nil:
			if err := addBytesToArchive(tarWriter, manifest, logArchivePath, data, mode); err != nil {
				return nil, err
			}
			manifest.LogPresent = true
		case os.IsNotExist(readErr):
			// A run that never spawned has no log; the record alone is
			// still worth bundling.
		default:
			return nil, fmt.Errorf("reading run log: %w", readErr)
		}
	}

	dumpPaths, err := collectRunDumps(opts.DumpsDir, run.RunID)
	if err != nil {
		return nil, err
	}
	for _, dumpPath := range dumpPaths {
		data, mode, readErr := readFileWithMode(dumpPath)
		if readErr != nil {
			return nil, fmt.Errorf("reading crash dump %s: %w", dumpPath, readErr)
		}
		archivePath := archivePathJoin(dumpsArchiveRoot, filepath.Base(dumpPath))
		if err := addBytesToArchive(tarWriter, manifest, archivePath, data, mode); err != nil {
			return nil, err
		}
	}
	manifest.DumpCount = len(dumpPaths)

	manifestData, err := encodeManifest(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	if err := writeTarEntry(tarWriter, manifestArchivePath, manifestData, 0o600); err != nil {
		return nil, fmt.Errorf("writing manifest: %w", err)
	}

	// Close explicitly so a failed flush surfaces instead of shipping a
	// truncated archive.
	if err := tarWriter.Close(); err != nil {
		return nil, fmt.Errorf("finishing archive: %w", err)
	}
	if err := gzWriter.Close(); err != nil {
		return nil, fmt.Errorf("finishing compression: %w", err)
	}
	if err := out.Close(); err != nil {
		return nil, fmt.Errorf("closing bundle file: %w", err)
	}

	return &Result{
		OutputPath: opts.OutputPath,
		Manifest:   manifest,
	}, nil
}

func normalizeOptions(opts *Options) error {
	if opts == nil {
		return fmt.Errorf("options are required")
	}
	if strings.TrimSpace(opts.RunID) == "" {
		return core.ErrValidation("run ID is required")
	}
	if strings.TrimSpace(opts.OutputPath) == "" {
		opts.OutputPath = fmt.Sprintf("seqpipe-%s.tar.gz", opts.RunID)
	}
	return nil
}

// collectRunDumps returns the crash dumps recorded for the run, sorted by
// name. Dumps that cannot be parsed are skipped; a mangled dump is not a
// reason to fail the export.
func collectRunDumps(dir, runID string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading crash dump dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), "crash-") || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := fsutil.ReadFileScoped(path)
		if err != nil {
			continue
		}
		var probe struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(data, &probe); err != nil || probe.RunID != runID {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths, nil
}

func readFileWithMode(path string) ([]byte, int64, error) {
	data, err := fsutil.ReadFileScoped(path)
	if err != nil {
		return nil, 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, err
	}
	return data, int64(info.Mode().Perm()), nil
}

func addBytesToArchive(tw *tar.Writer, manifest *Manifest, archivePath string, data []byte, mode int64) error {
	cleanPath, err := cleanArchivePath(archivePath)
	if err != nil {
		return fmt.Errorf("invalid archive path: %w", err)
	}

	if err := writeTarEntry(tw, cleanPath, data, mode); err != nil {
		return fmt.Errorf("writing archive entry %s: %w", cleanPath, err)
	}

	hash := sha256.Sum256(data)
	manifest.Files = append(manifest.Files, FileEntry{
		Path:   cleanPath,
		SHA256: hex.EncodeToString(hash[:]),
		Size:   int64(len(data)),
		Mode:   mode,
	})
	return nil
}

func writeTarEntry(tw *tar.Writer, name string, data []byte, mode int64) error {
	header := &tar.Header{
		Name:     filepath.ToSlash(name),
		Mode:     mode,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

func archivePathJoin(parts ...string) string {
	return filepath.ToSlash(filepath.Join(parts...))
}

func cleanArchivePath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty archive path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute archive path is not allowed: %s", p)
	}
	clean := filepath.Clean(strings.TrimPrefix(p, "./"))
	if clean == "." || clean == "" {
		return "", fmt.Errorf("invalid archive path: %s", p)
	}
	if strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("path traversal detected: %s", p)
	}
	return clean, nil
}

func sortFileEntries(entries []FileEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
}

func encodeManifest(manifest *Manifest) ([]byte, error) {
	sortFileEntries(manifest.Files)
	return yaml.Marshal(manifest)
}

func decodeManifest(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, err
	}
	if manifest.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported bundle version: %d", manifest.Version)
	}
	return &manifest, nil
}
