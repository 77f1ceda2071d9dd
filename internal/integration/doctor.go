// Package integration checks that the local bridge setup is usable before
// the daemon is started or while it misbehaves.
package integration

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/g960059/nfcbridge/internal/config"
)

type DoctorOptions struct {
	ConfigPath string
	Config     config.Config
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass | warn | fail
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
}

type DoctorResult struct {
	OK       bool          `json:"ok"`
	Checks   []DoctorCheck `json:"checks"`
	Warnings []string      `json:"warnings,omitempty"`
}

func Doctor(opts DoctorOptions) DoctorResult {
	out := DoctorResult{OK: true}
	add := func(c DoctorCheck) {
		out.Checks = append(out.Checks, c)
		if c.Status == "warn" {
			out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %s", c.Name, c.Message))
		}
		if c.Status == "fail" {
			out.OK = false
		}
	}

	add(checkConfigFile(opts.ConfigPath))
	add(checkHostExecutable(opts.Config.Host.Path))
	add(checkStateDir(opts.Config.DBPath))
	add(checkDaemonSocket(opts.Config.SocketPath))
	return out
}

func checkConfigFile(path string) DoctorCheck {
	if strings.TrimSpace(path) == "" {
		return DoctorCheck{Name: "config", Status: "pass", Message: "using defaults"}
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DoctorCheck{Name: "config", Status: "warn", Message: "file not found, using defaults", Path: path}
	}
	if _, err := config.Load(path); err != nil {
		return DoctorCheck{Name: "config", Status: "fail", Message: err.Error(), Path: path}
	}
	return DoctorCheck{Name: "config", Status: "pass", Message: "valid", Path: path}
}

// checkHostExecutable mirrors the daemon's launch: a bare name is looked up
// on PATH.
func checkHostExecutable(path string) DoctorCheck {
	const name = "host_executable"
	if strings.TrimSpace(path) == "" {
		return DoctorCheck{Name: name, Status: "fail", Message: "host.path is empty"}
	}
	resolved := path
	if !strings.ContainsRune(path, filepath.Separator) {
		lp, err := exec.LookPath(path)
		if err != nil {
			return DoctorCheck{Name: name, Status: "fail", Message: "not found on PATH; the bridge will report the host as not installed", Path: path}
		}
		resolved = lp
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return DoctorCheck{Name: name, Status: "fail", Message: "file not found; the bridge will report the host as not installed", Path: resolved}
		}
		return DoctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: resolved}
	}
	if info.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "is a directory", Path: resolved}
	}
	if info.Mode()&0o111 == 0 {
		return DoctorCheck{Name: name, Status: "fail", Message: "not executable", Path: resolved}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "installed", Path: resolved}
}

func checkStateDir(dbPath string) DoctorCheck {
	const name = "state_dir"
	dir := filepath.Dir(dbPath)
	info, err := os.Stat(dir)
	if errors.Is(err, os.ErrNotExist) {
		return DoctorCheck{Name: name, Status: "warn", Message: "missing, created on first start", Path: dir}
	}
	if err != nil {
		return DoctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: dir}
	}
	if !info.IsDir() {
		return DoctorCheck{Name: name, Status: "fail", Message: "not a directory", Path: dir}
	}
	if info.Mode().Perm()&0o077 != 0 {
		return DoctorCheck{Name: name, Status: "warn", Message: "readable by other users; card history is personal data", Path: dir}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "ok", Path: dir}
}

func checkDaemonSocket(path string) DoctorCheck {
	const name = "daemon_socket"
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return DoctorCheck{Name: name, Status: "warn", Message: "daemon not running", Path: path}
	}
	if err != nil {
		return DoctorCheck{Name: name, Status: "fail", Message: fmt.Sprintf("stat error: %v", err), Path: path}
	}
	if info.Mode()&os.ModeSocket == 0 {
		return DoctorCheck{Name: name, Status: "fail", Message: "path exists and is not a unix socket", Path: path}
	}
	return DoctorCheck{Name: name, Status: "pass", Message: "present", Path: path}
}
