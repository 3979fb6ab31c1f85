package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateChecksumsWithReportDryRun(t *testing.T) {
	tmpDir := t.TempDir()

	if err := os.WriteFile(filepath.Join(tmpDir, "tokens.yaml"), []byte("api: {auth: {api_key: test}}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	report, err := GenerateChecksumsWithReport(tmpDir, []string{"tokens.yaml", "extra.yaml"}, true)
	if err != nil {
		t.Fatalf("GenerateChecksumsWithReport() failed: %v", err)
	}

	if report.Written {
		t.Fatal("report.Written = true, want false in dry-run")
	}
	if len(report.Files) != 2 {
		t.Fatalf("len(report.Files) = %d, want 2", len(report.Files))
	}
	if !report.Files[0].Exists || report.Files[0].Hash == "" {
		t.Fatal("tokens.yaml should exist with computed hash")
	}
	if report.Files[1].Exists || report.Files[1].Hash != "" {
		t.Fatal("extra.yaml should be reported as missing without hash")
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ChecksumFile)); !os.IsNotExist(err) {
		t.Fatal(".checksums should not be written in dry-run mode")
	}
}

func TestLockCoversIncludes(t *testing.T) {
	root := t.TempDir()
	secrets := filepath.Join(root, "secrets")
	if err := os.MkdirAll(secrets, 0o700); err != nil {
		t.Fatal(err)
	}
	writeConfig(t, root, "config.yaml", "include: [secrets/tokens.yaml]\n")
	writeConfig(t, secrets, "tokens.yaml", "api: {auth: {api_key: k}}\n")

	reports, err := Lock(root, false)
	if err != nil {
		t.Fatalf("Lock() failed: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want one per directory", len(reports))
	}
	for _, r := range reports {
		if !r.Written {
			t.Errorf("%s not written", r.ChecksumPath)
		}
	}

	manifest, err := LoadChecksums(secrets)
	if err != nil {
		t.Fatalf("LoadChecksums() failed: %v", err)
	}
	if _, ok := manifest.Hashes["tokens.yaml"]; !ok {
		t.Fatalf("tokens.yaml missing from manifest: %v", manifest.Hashes)
	}

	if _, err := Load(root); err != nil {
		t.Fatalf("Load() after Lock() failed: %v", err)
	}
}

func TestVerifyFileHash(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "config.yaml", "service: {}\n")

	hash, err := ComputeBlake3Hash(path)
	if err != nil {
		t.Fatalf("ComputeBlake3Hash() failed: %v", err)
	}
	if err := VerifyFileHash(path, hash); err != nil {
		t.Fatalf("VerifyFileHash() = %v", err)
	}
	if err := VerifyFileHash(path, "00"); err == nil {
		t.Fatal("expected mismatch error")
	}
}
