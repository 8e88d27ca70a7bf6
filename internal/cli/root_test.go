package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/meshfind/meshfind/internal/config"
)

func testCmd(dir string) *cobra.Command {
	cmd := &cobra.Command{Use: "test"}
	addDataFlag(cmd)
	_ = cmd.Flags().Set("data", dir)
	return cmd
}

func TestDataDirFlag(t *testing.T) {
	dir := t.TempDir()
	if got := dataDirFlag(testCmd(dir)); got != dir {
		t.Errorf("data dir = %s, want %s", got, dir)
	}
}

func TestLoadConfigDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	cfg, err := loadConfig(testCmd(dir))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DataDir != dir {
		t.Errorf("data dir = %s", cfg.DataDir)
	}
	if cfg.Profile != "balanced" {
		t.Errorf("profile = %s", cfg.Profile)
	}
}

func TestLoadConfigReadsFile(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default(dir)
	cfg.Profile = "minimal"
	if err := config.Save(cfg, config.DefaultPath(dir)); err != nil {
		t.Fatal(err)
	}

	got, err := loadConfig(testCmd(dir))
	if err != nil {
		t.Fatal(err)
	}
	if got.Profile != "minimal" {
		t.Errorf("profile = %s", got.Profile)
	}
}

func TestLoadConfigSurfacesInvalidFile(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(bad, []byte("tokenizer: nosuch\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loadConfig(testCmd(dir)); err == nil {
		t.Fatal("invalid config accepted")
	}
}
