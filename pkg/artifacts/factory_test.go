package artifacts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/permengine/pkg/config"
)

func TestNewStore_FileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "evidence")
	st, err := NewStore(context.Background(), config.ArtifactsConfig{Type: "fs", Dir: dir})
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	fs, ok := st.(*FileStore)
	if !ok {
		t.Fatalf("expected *FileStore, got %T", st)
	}
	if fs.baseDir != dir {
		t.Errorf("expected baseDir %s, got %s", dir, fs.baseDir)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("store dir not created: %v", err)
	}
}

func TestNewStore_Rejects(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.ArtifactsConfig
		want string
	}{
		{"fs without dir", config.ArtifactsConfig{Type: "fs"}, "dir is required"},
		{"s3 without bucket", config.ArtifactsConfig{Type: "s3"}, "bucket is required"},
		{"gcs without bucket", config.ArtifactsConfig{Type: "gcs"}, "bucket is required"},
		{"unknown type", config.ArtifactsConfig{Type: "ftp"}, "unsupported"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStore(context.Background(), tt.cfg)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFileStore_ContentAddressed(t *testing.T) {
	ctx := context.Background()
	st, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("PK\x03\x04 evidence")
	hash, err := st.Store(ctx, data)
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if !strings.HasPrefix(hash, "sha256:") || len(hash) != len("sha256:")+64 {
		t.Fatalf("unexpected hash %q", hash)
	}
	again, err := st.Store(ctx, data)
	if err != nil || again != hash {
		t.Fatalf("re-store should be idempotent: %q %v", again, err)
	}

	got, err := st.Get(ctx, hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(data) {
		t.Errorf("round trip mismatch")
	}
	if ok, err := st.Exists(ctx, hash); err != nil || !ok {
		t.Errorf("Exists = %v, %v", ok, err)
	}

	if err := st.Delete(ctx, hash); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := st.Get(ctx, hash); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := st.Delete(ctx, hash); err != nil {
		t.Errorf("deleting a missing pack should succeed, got %v", err)
	}
}

func TestFileStore_DetectsTampering(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	st, _ := NewFileStore(dir)

	hash, err := st.Store(ctx, []byte("original"))
	if err != nil {
		t.Fatal(err)
	}
	raw := strings.TrimPrefix(hash, "sha256:")
	if err := os.WriteFile(filepath.Join(dir, raw+objectExt), []byte("edited"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, hash); err == nil || !strings.Contains(err.Error(), "hashes to") {
		t.Errorf("expected content mismatch, got %v", err)
	}
}

func TestParseHash(t *testing.T) {
	for _, bad := range []string{"", "md5:abc", "sha256:xyz", "sha256:" + strings.Repeat("g", 64)} {
		if _, err := parseHash(bad); !errors.Is(err, ErrInvalidHash) {
			t.Errorf("parseHash(%q) = %v, want ErrInvalidHash", bad, err)
		}
	}
	if _, err := parseHash("sha256:" + strings.Repeat("ab", 32)); err != nil {
		t.Errorf("valid hash rejected: %v", err)
	}
}
