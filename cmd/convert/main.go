// Command convert runs the GLB/glTF to OBJ conversion directly against
// local files, without going through the job service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modelconv/internal/engine"
)

func main() {
	var (
		input     = flag.String("input", "input", "model file or directory holding .glb/.gltf models")
		output    = flag.String("output", "output", "directory for converted files")
		recursive = flag.Bool("recursive", false, "descend into subdirectories")
		overwrite = flag.Bool("overwrite", false, "replace outputs that already exist")
		timeout   = flag.Duration("timeout", 120*time.Second, "per-file conversion limit")
		quiet     = flag.Bool("quiet", false, "only report failures")
	)
	flag.Parse()

	level := slog.LevelInfo
	if *quiet {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	models, err := collectModels(*input, *recursive)
	if err != nil {
		logger.Error("scan input", "path", *input, "error", err)
		os.Exit(1)
	}
	if len(models) == 0 {
		logger.Warn("no models found", "path", *input)
		return
	}

	eng := engine.NewGLBToOBJ()
	var converted, skipped, failed int
	for _, path := range models {
		switch convertOne(logger, eng, path, *input, *output, *overwrite, *timeout) {
		case outcomeConverted:
			converted++
		case outcomeSkipped:
			skipped++
		case outcomeFailed:
			failed++
		}
	}

	logger.Info("batch done", "converted", converted, "skipped", skipped, "failed", failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func collectModels(root string, recursive bool) ([]string, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		if !isModel(root) {
			return nil, fmt.Errorf("%s is not a .glb or .gltf file", root)
		}
		return []string{root}, nil
	}

	var models []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && !recursive {
				return fs.SkipDir
			}
			return nil
		}
		if isModel(path) {
			models = append(models, path)
		}
		return nil
	})
	return models, err
}

func isModel(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".glb", ".gltf":
		return true
	}
	return false
}

type outcome int

const (
	outcomeConverted outcome = iota
	outcomeSkipped
	outcomeFailed
)

func convertOne(logger *slog.Logger, eng engine.Engine, path, inputRoot, outputRoot string, overwrite bool, timeout time.Duration) outcome {
	rel := relPath(inputRoot, path)
	outDir := filepath.Join(outputRoot, filepath.Dir(rel))
	base := filepath.Base(path)
	objPath := filepath.Join(outDir, strings.TrimSuffix(base, filepath.Ext(base))+".obj")

	if !overwrite {
		if _, err := os.Stat(objPath); err == nil {
			logger.Info("skipped", "model", rel, "reason", "output exists")
			return outcomeSkipped
		}
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		logger.Error("read model", "model", rel, "error", err)
		return outcomeFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	started := time.Now()
	files, err := eng.Convert(ctx, payload, base)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			logger.Error("conversion timed out", "model", rel, "timeout", timeout.String())
		} else {
			logger.Error("conversion failed", "model", rel, "error", err)
		}
		return outcomeFailed
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		logger.Error("create output dir", "dir", outDir, "error", err)
		return outcomeFailed
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(outDir, f.Name), f.Data, 0o644); err != nil {
			logger.Error("write output", "file", f.Name, "error", err)
			return outcomeFailed
		}
	}

	logger.Info("converted", "model", rel, "files", len(files), "duration_ms", time.Since(started).Milliseconds())
	return outcomeConverted
}

// relPath keeps output paths readable: file inputs map to their base
// name, directory inputs keep their layout below the input root.
func relPath(root, path string) string {
	if info, err := os.Stat(root); err == nil && !info.IsDir() {
		return filepath.Base(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return filepath.Base(path)
	}
	return rel
}
