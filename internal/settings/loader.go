package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tidwall/jsonc"
	"go.uber.org/zap"
)

const (
	dirName           = ".claude"
	settingsFile      = "settings.json"
	localSettingsFile = "settings.local.json"
)

// ManagedPath returns the organization-managed settings location for goos.
func ManagedPath(goos string) string {
	switch goos {
	case "darwin":
		return "/Library/Application Support/ClaudeCode/managed-settings.json"
	case "windows":
		return "C:/ProgramData/ClaudeCode/managed-settings.json"
	default:
		return "/etc/claude-code/managed-settings.json"
	}
}

// DefaultUserPath returns ~/.claude/settings.json, or "" when the home
// directory cannot be determined.
func DefaultUserPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, dirName, settingsFile)
}

// ProjectPaths returns the project and local settings files under cwd.
func ProjectPaths(cwd string) (project, local string) {
	dir := filepath.Join(cwd, dirName)
	return filepath.Join(dir, settingsFile), filepath.Join(dir, localSettingsFile)
}

// Loader reads layer files from disk. Missing files are empty layers; an
// unreadable or invalid file is logged and also treated as empty.
type Loader struct {
	ManagedPath string
	UserPath    string
	log         *zap.SugaredLogger
}

// NewLoader returns a Loader. Empty paths fall back to the platform
// defaults.
func NewLoader(managedPath, userPath string, log *zap.SugaredLogger) *Loader {
	if managedPath == "" {
		managedPath = ManagedPath(runtime.GOOS)
	}
	if userPath == "" {
		userPath = DefaultUserPath()
	}
	return &Loader{ManagedPath: managedPath, UserPath: userPath, log: log}
}

// Load returns all four layers for a project directory. With an empty
// projectPath the project and local layers are empty.
func (l *Loader) Load(projectPath string) []Layer {
	layers := l.LoadGlobal()
	if projectPath == "" {
		return append(layers,
			Layer{Level: Project, Settings: map[string]any{}},
			Layer{Level: Local, Settings: map[string]any{}},
		)
	}
	projectFile, localFile := ProjectPaths(projectPath)
	return append(layers,
		l.layer(Project, projectFile),
		l.layer(Local, localFile),
	)
}

// LoadGlobal returns the managed and user layers only.
func (l *Loader) LoadGlobal() []Layer {
	return []Layer{
		l.layer(Managed, l.ManagedPath),
		l.layer(User, l.UserPath),
	}
}

func (l *Loader) layer(level Level, path string) Layer {
	layer, err := readLayer(level, path)
	if err != nil {
		l.log.Warnf("Ignoring %s settings at %s: %v", level, path, err)
	}
	return layer
}

// readLayer always returns a usable layer; on error it is empty.
func readLayer(level Level, path string) (Layer, error) {
	layer := Layer{Level: level, Settings: map[string]any{}}
	if path == "" {
		return layer, nil
	}
	settings, found, err := ReadFile(path)
	if err != nil {
		return layer, err
	}
	if found {
		layer.Path = path
		layer.Settings = settings
	}
	return layer, nil
}

// ReadFile parses a settings file. Comments and trailing commas are allowed.
// found is false when the file does not exist.
func ReadFile(path string) (settings map[string]any, found bool, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, err
	}
	return Parse(data)
}

// Parse decodes a settings document. The document must be a JSON object.
func Parse(data []byte) (map[string]any, bool, error) {
	var settings map[string]any
	if err := json.Unmarshal(jsonc.ToJSON(data), &settings); err != nil {
		return nil, true, fmt.Errorf("invalid settings JSON: %w", err)
	}
	if settings == nil {
		settings = map[string]any{}
	}
	return settings, true, nil
}
