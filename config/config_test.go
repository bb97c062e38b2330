package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

const sample = `
servers:
  main:
    host: screeps.com
    token: abc
  ptr:
    host: screeps.com
    token: abc
    ptr: true
  season:
    host: screeps.com
    season: true
  private:
    host: localhost
    port: 21025
    secure: false
    username: bob
    password: secret
configs:
  console:
    colors: true
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestServerURL(t *testing.T) {
	t.Parallel()

	no := false
	tests := []struct {
		name   string
		server Server
		want   string
	}{
		{name: "defaults", server: Server{}, want: "https://screeps.com/"},
		{name: "ptr", server: Server{Host: "screeps.com", PTR: true}, want: "https://screeps.com/ptr/"},
		{name: "season", server: Server{Host: "screeps.com", Season: true}, want: "https://screeps.com/season/"},
		{name: "private", server: Server{Host: "localhost", Port: 21025, Secure: &no}, want: "http://localhost:21025/"},
		{name: "default port omitted", server: Server{Host: "example.org", Port: 443}, want: "https://example.org/"},
		{name: "path", server: Server{Host: "example.org", Path: "game"}, want: "https://example.org/game/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.server.URL(); got != tt.want {
				t.Errorf("URL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeFile(t, t.TempDir(), "config.yaml", sample)
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.Path != path {
		t.Errorf("Path = %q, want %q", f.Path, path)
	}

	names := f.ServerNames()
	want := []string{"main", "private", "ptr", "season"}
	if len(names) != len(want) {
		t.Fatalf("ServerNames() = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("ServerNames()[%d] = %q, want %q", i, names[i], want[i])
		}
	}

	private, err := f.Server("private")
	if err != nil {
		t.Fatalf("Server(private): %v", err)
	}
	if private.IsSecure() {
		t.Error("private server should not be secure")
	}
	if private.Username != "bob" || private.Password != "secret" {
		t.Errorf("credentials = %q/%q", private.Username, private.Password)
	}
	if private.ShardOrDefault() != "shard0" {
		t.Errorf("ShardOrDefault() = %q", private.ShardOrDefault())
	}

	if _, err := f.Server("missing"); err == nil {
		t.Error("expected error for unknown server")
	}

	if f.AppConfig("console")["colors"] != true {
		t.Errorf("AppConfig(console) = %v", f.AppConfig("console"))
	}
	if len(f.AppConfig("none")) != 0 {
		t.Error("unknown app config should be empty")
	}
}

func TestLoadFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tests := []struct {
		name     string
		path     string
		notExist bool
	}{
		{name: "missing file", path: filepath.Join(dir, "nope.yaml"), notExist: true},
		{name: "no servers", path: writeFile(t, dir, "empty.yaml", "configs: {}\n")},
		{name: "bad yaml", path: writeFile(t, dir, "bad.yaml", "servers: [\n")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadFile(tt.path)
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, fs.ErrNotExist); got != tt.notExist {
				t.Errorf("errors.Is(err, fs.ErrNotExist) = %v, want %v (%v)", got, tt.notExist, err)
			}
		})
	}
}

func TestFind(t *testing.T) {
	home := t.TempDir()
	xdg := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_CONFIG_HOME", xdg)
	t.Setenv("SCREEPS_CONFIG", "")
	chdir(t, t.TempDir())

	if _, err := Find(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Find() error = %v, want ErrNotFound", err)
	}

	homeFile := writeFile(t, home, ".screeps.yml", "servers:\n  home: {host: home.example}\n")
	f, err := Find()
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if f.Path != homeFile {
		t.Errorf("Path = %q, want %q", f.Path, homeFile)
	}

	xdgFile := writeFile(t, xdg, "screeps/config.yaml", "servers:\n  xdg: {host: xdg.example}\n")
	if f, err = Find(); err != nil || f.Path != xdgFile {
		t.Fatalf("Find() = %v, %v, want %q", f, err, xdgFile)
	}

	explicit := writeFile(t, t.TempDir(), "explicit.yaml", "servers:\n  main: {host: explicit.example}\n")
	t.Setenv("SCREEPS_CONFIG", explicit)
	s, err := Load("main")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Host != "explicit.example" {
		t.Errorf("Host = %q, want explicit.example", s.Host)
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("SCREEPS_HOST", "localhost")
	t.Setenv("SCREEPS_PORT", "21025")
	t.Setenv("SCREEPS_SECURE", "false")
	t.Setenv("SCREEPS_TOKEN", "tok")
	t.Setenv("SCREEPS_SHARD", "shard3")

	s, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if got, want := s.URL(), "http://localhost:21025/"; got != want {
		t.Errorf("URL() = %q, want %q", got, want)
	}
	if s.Token != "tok" {
		t.Errorf("Token = %q", s.Token)
	}
	if s.Shard != "shard3" {
		t.Errorf("Shard = %q", s.Shard)
	}
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(old) })
}
