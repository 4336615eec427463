// Package models defines the domain records shared by the interception pipeline,
// the persistence layer and the transport.
package models

import (
	"path"
	"strings"
	"time"
)

// FileAction identifies the kind of filesystem mutation. The same value set is used
// as the operation type that protection zones whitelist.
type FileAction string

const (
	ActionCreate           FileAction = "FILE_CREATE"
	ActionModify           FileAction = "FILE_MODIFY"
	ActionDelete           FileAction = "FILE_DELETE"
	ActionRename           FileAction = "FILE_RENAME"
	ActionDirCreate        FileAction = "DIR_CREATE"
	ActionDirDelete        FileAction = "DIR_DELETE"
	ActionDependencyChange FileAction = "DEPENDENCY_CHANGE"
	ActionConfigChange     FileAction = "CONFIG_CHANGE"
)

// OperationType is the operation a zone whitelists.
type OperationType = FileAction

// AllActions lists every valid action in declaration order.
var AllActions = []FileAction{
	ActionCreate, ActionModify, ActionDelete, ActionRename,
	ActionDirCreate, ActionDirDelete, ActionDependencyChange, ActionConfigChange,
}

// Valid reports whether a is a known action.
func (a FileAction) Valid() bool {
	for _, v := range AllActions {
		if a == v {
			return true
		}
	}
	return false
}

// IsCritical reports whether snapshots created for this action must be kept forever.
func (a FileAction) IsCritical() bool {
	return a == ActionDelete || a == ActionConfigChange
}

// EventSource says which observer produced a FileEvent.
type EventSource string

const (
	SourceWatcher    EventSource = "watcher"
	SourceReconciler EventSource = "reconciler"
)

// FileEvent is a single observed mutation. It is transient: produced by the watcher
// or the reconciler and consumed once by the classification stage.
type FileEvent struct {
	Action    FileAction  `json:"action"`
	RelPath   string      `json:"relPath"`
	FullPath  string      `json:"fullPath"`
	OldPath   string      `json:"oldPath,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Source    EventSource `json:"source"`
}

var dependencyManifests = map[string]bool{
	"go.mod": true, "go.sum": true,
	"package.json": true, "package-lock.json": true, "yarn.lock": true, "pnpm-lock.yaml": true,
	"requirements.txt": true, "requirements-dev.txt": true, "pipfile": true, "pipfile.lock": true,
	"poetry.lock": true, "pyproject.toml": true,
	"cargo.toml": true, "cargo.lock": true,
	"gemfile": true, "gemfile.lock": true,
	"composer.json": true, "composer.lock": true,
	"pom.xml": true, "build.gradle": true, "build.gradle.kts": true,
}

var configFiles = map[string]bool{
	"dockerfile": true, "docker-compose.yml": true, "docker-compose.yaml": true,
	"makefile": true, ".gitignore": true, ".dockerignore": true, ".editorconfig": true,
	"tsconfig.json": true, ".eslintrc": true, ".eslintrc.json": true, ".prettierrc": true,
	".npmrc": true, ".nvmrc": true, "setup.cfg": true, "tox.ini": true,
}

// Refine upgrades a create/modify of a dependency manifest or a configuration file to
// DEPENDENCY_CHANGE or CONFIG_CHANGE. Other actions are returned unchanged.
func Refine(action FileAction, relPath string) FileAction {
	if action != ActionCreate && action != ActionModify {
		return action
	}
	p := strings.ReplaceAll(relPath, "\\", "/")
	base := strings.ToLower(path.Base(p))

	if dependencyManifests[base] || (strings.HasPrefix(base, "requirements") && strings.HasSuffix(base, ".txt")) {
		return ActionDependencyChange
	}
	if configFiles[base] || strings.HasPrefix(base, ".env") {
		return ActionConfigChange
	}
	if strings.Contains(base, ".config.") {
		return ActionConfigChange
	}
	// Root-level structured config (ci.yaml, settings.toml, ...).
	if !strings.Contains(p, "/") {
		switch path.Ext(base) {
		case ".yaml", ".yml", ".toml", ".ini":
			return ActionConfigChange
		}
	}
	return action
}
