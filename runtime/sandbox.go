package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// SandboxBackend runs instances under gVisor's runsc, each in its own
// materialized OCI bundle: host directories are symlinked in,
// /tmp, /var, /run, /proc, /dev are created empty, and a socket directory
// is bind-mounted in so the instance can listen where the hypervisor
// expects it.
type SandboxBackend struct {
	// StateDir is runsc's --root (container metadata); BundleDir holds the
	// generated bundle directories, one per instance.
	StateDir  string
	BundleDir string
}

func NewSandboxBackend(stateDir, bundleDir string) *SandboxBackend {
	return &SandboxBackend{StateDir: stateDir, BundleDir: bundleDir}
}

func (b *SandboxBackend) Kind() Kind { return Sandbox }

func (b *SandboxBackend) IsAvailable() bool {
	_, err := exec.LookPath("runsc")
	return err == nil
}

type SandboxHandle struct {
	cid        string
	bundlePath string
}

func (h *SandboxHandle) Kind() Kind { return Sandbox }
func (h *SandboxHandle) PID() int   { return 0 } // runsc owns the PID; not exposed

var symlinkedHostDirs = []string{"/bin", "/usr", "/lib", "/lib64", "/etc", "/sbin"}
var emptyDirs = []string{"/tmp", "/var", "/run", "/proc", "/dev"}

func (b *SandboxBackend) materializeBundle(cid string, spec Spec) (string, error) {
	bundle := filepath.Join(b.BundleDir, cid)
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return "", err
	}
	for _, d := range symlinkedHostDirs {
		if _, err := os.Stat(d); err != nil {
			continue
		}
		if err := os.Symlink(d, filepath.Join(rootfs, filepath.Base(d))); err != nil && !os.IsExist(err) {
			return "", fmt.Errorf("symlink %s: %w", d, err)
		}
	}
	for _, d := range emptyDirs {
		if err := os.MkdirAll(filepath.Join(rootfs, filepath.Base(d)), 0o755); err != nil {
			return "", err
		}
	}

	var mounts []specs.Mount
	if spec.Endpoint.Socket != "" {
		sockDir := filepath.Dir(spec.Endpoint.Socket)
		mounts = append(mounts, specs.Mount{
			Destination: sockDir,
			Source:      sockDir,
			Type:        "bind",
			Options:     []string{"bind", "rw"},
		})
	}

	env := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	cfg := specs.Spec{
		Version: "1.0.2",
		Process: &specs.Process{
			Args: append([]string{spec.Command}, spec.Args...),
			Env:  env,
			Cwd:  cwdOr(spec.Workdir, "/"),
		},
		Root: &specs.Root{Path: "rootfs"},
		Mounts: mounts,
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0o644); err != nil {
		return "", err
	}
	return bundle, nil
}

func cwdOr(workdir, fallback string) string {
	if workdir == "" {
		return fallback
	}
	return workdir
}

func (b *SandboxBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if !b.IsAvailable() {
		return nil, newSpawnErr(Sandbox, ErrMissingBinary, ErrNotAvailable)
	}
	cid := spec.InstanceID
	bundle, err := b.materializeBundle(cid, spec)
	if err != nil {
		return nil, newSpawnErr(Sandbox, ErrSpawnIo, err)
	}

	slog.InfoContext(ctx, "sandbox.spawn", "instance", spec.InstanceID, "bundle", bundle)

	cmd := exec.CommandContext(ctx, "runsc", "run", "--root", b.StateDir, "--bundle", bundle, "--detach", cid)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(bundle)
		return nil, newSpawnErr(Sandbox, ErrSpawnIo, fmt.Errorf("runsc run: %w: %s", err, out))
	}

	return &SandboxHandle{cid: cid, bundlePath: bundle}, nil
}

func (b *SandboxBackend) Kill(ctx context.Context, h Handle) error {
	sh, ok := h.(*SandboxHandle)
	if !ok {
		return nil
	}
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = exec.CommandContext(killCtx, "runsc", "--root", b.StateDir, "kill", sh.cid).Run()
	_ = exec.CommandContext(killCtx, "runsc", "--root", b.StateDir, "delete", "--force", sh.cid).Run()
	if sh.bundlePath != "" {
		os.RemoveAll(sh.bundlePath)
	}
	return nil
}

func (b *SandboxBackend) IsRunning(h Handle) bool {
	sh, ok := h.(*SandboxHandle)
	if !ok {
		return false
	}
	out, err := exec.Command("runsc", "--root", b.StateDir, "state", sh.cid).CombinedOutput()
	if err != nil {
		return false
	}
	var st struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(out, &st) != nil {
		return false
	}
	return st.Status == "running" || st.Status == "created"
}
