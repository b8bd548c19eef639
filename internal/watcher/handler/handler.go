// Package handler resolves the function handler hosted by this watcher.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	pkgerrors "fnwatcher/pkg/errors"

	"github.com/google/shlex"
)

// DefaultConfigFile is the function config looked up in the function dir.
const DefaultConfigFile = "function.config.json"

// Handler is the resolved executable and its static arguments.
type Handler struct {
	Path string
	Args []string
	Dir  string
}

type functionConfig struct {
	Handler string `json:"handler"`
	Args    string `json:"args"`
}

// Resolve reads <functionDir>/<configFile> and returns the absolute handler
// path together with its arguments. It does not touch the handler itself.
func Resolve(functionDir, configFile string) (Handler, error) {
	if configFile == "" {
		configFile = DefaultConfigFile
	}
	dir, err := filepath.Abs(functionDir)
	if err != nil {
		return Handler{}, pkgerrors.InvalidHandlerError(fmt.Sprintf("invalid function dir: %v", err))
	}

	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return Handler{}, pkgerrors.InvalidHandlerError(fmt.Sprintf("read function config: %v", err))
	}
	var cfg functionConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Handler{}, pkgerrors.InvalidHandlerError(fmt.Sprintf("parse function config: %v", err))
	}
	if cfg.Handler == "" {
		return Handler{}, pkgerrors.InvalidHandlerError("Handler is not set.")
	}

	args, err := shlex.Split(cfg.Args)
	if err != nil {
		return Handler{}, pkgerrors.InvalidHandlerError(fmt.Sprintf("parse handler args: %v", err))
	}

	path := cfg.Handler
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	return Handler{Path: filepath.Clean(path), Args: args, Dir: dir}, nil
}

// Prepare checks that the handler is a regular file and makes it executable.
func Prepare(h Handler) error {
	info, err := os.Stat(h.Path)
	if errors.Is(err, os.ErrNotExist) {
		return pkgerrors.InvalidHandlerError("Handler doesn't exist.")
	}
	if err != nil {
		return pkgerrors.InvalidHandlerError(fmt.Sprintf("stat handler: %v", err))
	}
	if !info.Mode().IsRegular() {
		return pkgerrors.InvalidHandlerError("Handler should be a file.")
	}
	if err := os.Chmod(h.Path, 0o755); err != nil {
		return pkgerrors.InvalidHandlerError(fmt.Sprintf("chmod handler: %v", err))
	}
	return nil
}

// Load resolves and prepares the handler in one step.
func Load(functionDir, configFile string) (Handler, error) {
	h, err := Resolve(functionDir, configFile)
	if err != nil {
		return Handler{}, err
	}
	if err := Prepare(h); err != nil {
		return Handler{}, err
	}
	return h, nil
}
