package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"framestore/internal/config"
	"framestore/internal/frame"
	"framestore/internal/home"
	"framestore/internal/logging"
	"framestore/internal/source"
	sourcefile "framestore/internal/source/file"
	"framestore/internal/storage"
)

func TestApplyLogLevels(t *testing.T) {
	h := logging.NewComponentFilterHandler(slog.NewTextHandler(&bytes.Buffer{}, nil), slog.LevelInfo)
	if err := applyLogLevels(h, "warn, writer=debug"); err != nil {
		t.Fatalf("applyLogLevels: %v", err)
	}
	if h.DefaultLevel() != slog.LevelWarn {
		t.Errorf("default = %v", h.DefaultLevel())
	}
	if h.Level("writer") != slog.LevelDebug {
		t.Errorf("writer = %v", h.Level("writer"))
	}
	if err := applyLogLevels(h, "writer=loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func sessionCmd(homeDir, configPath string) *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("home", homeDir, "")
	cmd.Flags().String("config", configPath, "")
	return cmd
}

func TestLoadSessionFallsBackToDefault(t *testing.T) {
	root := t.TempDir()
	hd, cfg, err := loadSession(sessionCmd(root, ""))
	if err != nil {
		t.Fatalf("loadSession: %v", err)
	}
	if hd.Root() != root {
		t.Errorf("home = %s", hd.Root())
	}
	if cfg.Storage == nil || cfg.Location.BaseURI != home.New(root).DataDir() {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, _, err := loadSession(sessionCmd(root, filepath.Join(root, "missing.yaml"))); err == nil {
		t.Error("explicit missing session file should fail")
	}
}

func TestWriteDefaultConfig(t *testing.T) {
	hd := home.New(filepath.Join(t.TempDir(), "home"))
	path, err := writeDefaultConfig(hd, false)
	if err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	if _, err := config.Load(path); err != nil {
		t.Errorf("written config does not load: %v", err)
	}
	if _, err := writeDefaultConfig(hd, false); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Errorf("second write: got %v", err)
	}
	if _, err := writeDefaultConfig(hd, true); err != nil {
		t.Errorf("forced write: %v", err)
	}
	if _, err := os.Stat(hd.ConfigPath()); err != nil {
		t.Errorf("Stat: %v", err)
	}
}

func TestInspect(t *testing.T) {
	hd := home.New(t.TempDir())
	manifest := sourcefile.NewStore(hd.ManifestPath("scan000.zarr"))
	for name, written := range map[string]int{"cam0": 10, "cam1": 4} {
		err := manifest.Save(source.Record{
			Info:     storage.SourceInfo{Name: name, DType: frame.Uint16, Shape: frame.Shape{64, 64}},
			Path:     storage.PathInfo{StoreURI: "file:///data/scan000.zarr", ArrayKey: name},
			Written:  written,
			Reported: written,
			State:    source.StateComplete,
		})
		if err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	var out bytes.Buffer
	if err := inspect(&out, hd, nil, "table"); err != nil {
		t.Fatalf("inspect: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "STORE") {
		t.Fatalf("table = %q", out.String())
	}
	for _, want := range []string{"cam0", "uint16", "(64, 64)", "complete", "10"} {
		if !strings.Contains(lines[1], want) {
			t.Errorf("row %q lacks %q", lines[1], want)
		}
	}

	out.Reset()
	if err := inspect(&out, hd, []string{"scan000.zarr"}, "json"); err != nil {
		t.Fatalf("inspect json: %v", err)
	}
	var got []storeManifest
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Store != "scan000.zarr" || len(got[0].Sources) != 2 || got[0].Sources[1].Written != 4 {
		t.Errorf("json = %+v", got)
	}

	if err := inspect(&out, hd, []string{"scan999"}, "table"); err == nil || !strings.Contains(err.Error(), "no manifest") {
		t.Errorf("missing store: got %v", err)
	}
	if err := inspect(&out, hd, nil, "yaml"); err == nil {
		t.Error("expected error for unknown output")
	}
}
