package project

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestCanonicalizationOfSymlinkAlias(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require elevated privileges on windows")
	}
	dir := t.TempDir()
	real := filepath.Join(dir, "real")
	if err := os.Mkdir(real, 0o755); err != nil {
		t.Fatal(err)
	}
	alias := filepath.Join(dir, "alias")
	if err := os.Symlink(real, alias); err != nil {
		t.Fatal(err)
	}

	hashReal, err := Hash(real)
	if err != nil {
		t.Fatal(err)
	}
	hashAlias, err := Hash(alias)
	if err != nil {
		t.Fatal(err)
	}
	if hashReal != hashAlias {
		t.Fatalf("aliased paths hashed differently: %s != %s", hashReal, hashAlias)
	}
}

func TestHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	h1, err := Hash(dir)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := Hash(dir)
	if err != nil {
		t.Fatal(err)
	}
	if h1 != h2 {
		t.Fatal("hash not deterministic")
	}
}
