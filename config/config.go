// Package config loads server definitions from the unified .screeps.yaml
// credentials file or from SCREEPS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

const (
	defaultHost  = "screeps.com"
	defaultShard = "shard0"
)

// ErrNotFound is returned by Find when no config file exists on the search path.
var ErrNotFound = errors.New("config: no config file found")

// Server is one entry of the "servers" map.
type Server struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port,omitempty"`
	Path     string `yaml:"path,omitempty"`
	Secure   *bool  `yaml:"secure,omitempty"`
	Token    string `yaml:"token,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	Shard    string `yaml:"shard,omitempty"`

	// PTR and Season select the /ptr and /season paths of the official server.
	PTR    bool `yaml:"ptr,omitempty"`
	Season bool `yaml:"season,omitempty"`
}

// IsSecure reports whether the server uses https. Unset means true.
func (s Server) IsSecure() bool {
	return s.Secure == nil || *s.Secure
}

// BasePath returns the URL path, honoring the ptr and season flags.
func (s Server) BasePath() string {
	p := s.Path
	switch {
	case s.Season:
		p = "/season"
	case s.PTR:
		p = "/ptr"
	}
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if !strings.HasSuffix(p, "/") {
		p += "/"
	}
	return p
}

// URL returns the server base URL, e.g. "https://screeps.com/season/".
func (s Server) URL() string {
	host := s.Host
	if host == "" {
		host = defaultHost
	}
	scheme := "https"
	defaultPort := 443
	if !s.IsSecure() {
		scheme = "http"
		defaultPort = 80
	}
	if s.Port != 0 && s.Port != defaultPort {
		host = net.JoinHostPort(host, strconv.Itoa(s.Port))
	}
	u := url.URL{Scheme: scheme, Host: host, Path: s.BasePath()}
	return u.String()
}

// ShardOrDefault returns the configured shard or "shard0".
func (s Server) ShardOrDefault() string {
	if s.Shard == "" {
		return defaultShard
	}
	return s.Shard
}

// File is a parsed config file.
type File struct {
	Servers map[string]Server         `yaml:"servers"`
	Configs map[string]map[string]any `yaml:"configs,omitempty"`

	// Path is the file the config was read from.
	Path string `yaml:"-"`
}

// Server returns the named server.
func (f *File) Server(name string) (Server, error) {
	s, ok := f.Servers[name]
	if !ok {
		return Server{}, fmt.Errorf("server %q does not exist in %q", name, f.Path)
	}
	return s, nil
}

// ServerNames returns the configured server names, sorted.
func (f *File) ServerNames() []string {
	names := make([]string, 0, len(f.Servers))
	for name := range f.Servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AppConfig returns the application section named name, or an empty map.
func (f *File) AppConfig(name string) map[string]any {
	if c, ok := f.Configs[name]; ok {
		return c
	}
	return map[string]any{}
}

// LoadFile parses a config file. A missing file yields an error matching
// fs.ErrNotExist.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.Servers == nil {
		return nil, fmt.Errorf("invalid config: 'servers' object does not exist in %q", path)
	}
	f.Path = path
	return &f, nil
}

// SearchPaths returns the locations Find tries, in order: $SCREEPS_CONFIG, the
// working directory, then the per user config directories.
func SearchPaths() []string {
	var paths []string
	if p := os.Getenv("SCREEPS_CONFIG"); p != "" {
		paths = append(paths, p)
	}
	paths = append(paths, ".screeps.yaml", ".screeps.yml")

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			paths = append(paths,
				filepath.Join(appData, "screeps", "config.yaml"),
				filepath.Join(appData, "screeps", "config.yml"))
		}
		return paths
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths,
			filepath.Join(xdg, "screeps", "config.yaml"),
			filepath.Join(xdg, "screeps", "config.yml"))
	}
	if home := os.Getenv("HOME"); home != "" {
		paths = append(paths,
			filepath.Join(home, ".config", "screeps", "config.yaml"),
			filepath.Join(home, ".config", "screeps", "config.yml"),
			filepath.Join(home, ".screeps.yaml"),
			filepath.Join(home, ".screeps.yml"))
	}
	return paths
}

// Find loads the first config file on the search path.
func Find() (*File, error) {
	for _, path := range SearchPaths() {
		f, err := LoadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return f, err
	}
	return nil, ErrNotFound
}

// Load finds the config file and returns the named server.
func Load(name string) (Server, error) {
	f, err := Find()
	if err != nil {
		return Server{}, err
	}
	return f.Server(name)
}

// env mirrors Server for envdecode.
type env struct {
	Host     string `env:"SCREEPS_HOST,default=screeps.com"`
	Port     int    `env:"SCREEPS_PORT"`
	Path     string `env:"SCREEPS_PATH,default=/"`
	Secure   bool   `env:"SCREEPS_SECURE,default=true"`
	Token    string `env:"SCREEPS_TOKEN"`
	Username string `env:"SCREEPS_USERNAME"`
	Password string `env:"SCREEPS_PASSWORD"`
	Shard    string `env:"SCREEPS_SHARD,default=shard0"`
}

// FromEnv builds a Server from SCREEPS_* variables. Unset variables default to
// the official server.
func FromEnv() (Server, error) {
	e := env{Host: defaultHost, Path: "/", Secure: true, Shard: defaultShard}
	if err := envdecode.Decode(&e); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Server{}, fmt.Errorf("decode environment: %w", err)
	}
	secure := e.Secure
	return Server{
		Host:     e.Host,
		Port:     e.Port,
		Path:     e.Path,
		Secure:   &secure,
		Token:    e.Token,
		Username: e.Username,
		Password: e.Password,
		Shard:    e.Shard,
	}, nil
}
