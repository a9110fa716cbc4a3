// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/samber/lo"

	"github.com/noldarim/shipyard/internal/config"
)

// stagesDir holds the private working copies of running stages, relative to
// the workspace root. It sits under planDir so copies never copy themselves.
var stagesDir = filepath.Join(planDir, "stages")

// skipDirs are never copied into a stage workspace: tool caches and state of
// other stages.
var skipDirs = map[string]bool{
	".terraform": true,
	planDir:      true,
	".git":       true,
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// stageWorkspace copies the environment's working directory into a fresh
// directory for one stage. Concurrent stages never share a .terraform
// directory or plan files. The returned cleanup removes the copy.
func (e *Executor) stageWorkspace(req StageRequest) (string, func(), error) {
	src, err := e.Workspace(req.Environment)
	if err != nil {
		return "", nil, err
	}
	if info, err := os.Stat(src); err != nil {
		return "", nil, fmt.Errorf("workspace of %s: %w", req.Environment, err)
	} else if !info.IsDir() {
		return "", nil, fmt.Errorf("workspace of %s: %s is not a directory", req.Environment, src)
	}

	parent := filepath.Join(e.workspaceRoot, stagesDir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return "", nil, fmt.Errorf("create stage workspace root: %w", err)
	}
	pattern := unsafeName.ReplaceAllString(fmt.Sprintf("%s-%s-%s", req.RunID, req.StageID, req.Environment), "_") + "-*"
	dst, err := os.MkdirTemp(parent, pattern)
	if err != nil {
		return "", nil, fmt.Errorf("create stage workspace: %w", err)
	}
	cleanup := func() {
		if err := os.RemoveAll(dst); err != nil {
			getLog().Warn().Err(err).Str("dir", dst).Msg("Failed to remove stage workspace")
		}
	}
	if err := copyTree(src, dst); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("copy workspace of %s: %w", req.Environment, err)
	}
	return dst, cleanup, nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.Type().IsRegular():
			return copyFile(p, target)
		default:
			return nil
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// toolEnv is the process environment of every command a stage runs. It
// selects the environment's workspace so tiers never share state.
func toolEnv(ec config.EnvironmentConfig, extra map[string]string) map[string]string {
	env := lo.Assign(extra)
	if ec.Workspace != "" {
		env["TF_WORKSPACE"] = ec.Workspace
	}
	return env
}

// backendArgs are the -backend-config flags of a backend init, sorted by key.
func backendArgs(ec config.EnvironmentConfig) []string {
	keys := lo.Keys(ec.BackendConfig)
	sort.Strings(keys)
	args := make([]string, 0, len(keys))
	for _, k := range keys {
		args = append(args, fmt.Sprintf("-backend-config=%s=%s", k, ec.BackendConfig[k]))
	}
	return args
}

func varFileArgs(ec config.EnvironmentConfig) []string {
	args := make([]string, 0, len(ec.VarFiles))
	for _, f := range ec.VarFiles {
		args = append(args, "-var-file="+filepath.ToSlash(f))
	}
	return args
}
