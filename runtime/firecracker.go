package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"
)

// FirecrackerBackend drives Firecracker microVMs over their HTTP-over-Unix-
// socket management API: PUT /boot-source, /drives/rootfs,
// /machine-config, /vsock, then PUT /actions {InstanceStart}.
type FirecrackerBackend struct {
	BinaryPath string // path to the firecracker binary
	RunDir     string // where per-VM api sockets/logs live

	nextCID atomic.Int64 // vsock CIDs must be >= 3 and monotonically increasing
}

func NewFirecrackerBackend(binaryPath, runDir string) *FirecrackerBackend {
	b := &FirecrackerBackend{BinaryPath: binaryPath, RunDir: runDir}
	b.nextCID.Store(3)
	return b
}

func (b *FirecrackerBackend) Kind() Kind { return Firecracker }

func (b *FirecrackerBackend) IsAvailable() bool {
	if b.BinaryPath != "" {
		if _, err := exec.LookPath(b.BinaryPath); err == nil {
			return true
		}
	}
	_, err := exec.LookPath("firecracker")
	return err == nil
}

type FirecrackerHandle struct {
	cmd     *exec.Cmd
	apiSock string
	cid     int64
}

func (h *FirecrackerHandle) Kind() Kind { return Firecracker }
func (h *FirecrackerHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (b *FirecrackerBackend) allocateCID() int64 {
	return b.nextCID.Add(1) - 1
}

func httpClientForSocket(sockPath string) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockPath)
			},
		},
		Timeout: 5 * time.Second,
	}
}

func (b *FirecrackerBackend) apiCall(ctx context.Context, client *http.Client, method, path string, body any) error {
	var rdr *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(data)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, rdr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("firecracker api %s %s: status %d", method, path, resp.StatusCode)
	}
	return nil
}

func (b *FirecrackerBackend) waitForSocket(ctx context.Context, sockPath string) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(sockPath); err == nil {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "unix", sockPath)
			if err == nil {
				conn.Close()
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return fmt.Errorf("timed out waiting for firecracker api socket %s", sockPath)
}

func (b *FirecrackerBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if !b.IsAvailable() {
		return nil, newSpawnErr(Firecracker, ErrMissingBinary, ErrNotAvailable)
	}
	if spec.KernelImage == "" || spec.RootfsImage == "" {
		return nil, newSpawnErr(Firecracker, ErrMissingAsset, fmt.Errorf("kernel and rootfs images are required"))
	}

	vmDir := filepath.Join(b.RunDir, spec.InstanceID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, newSpawnErr(Firecracker, ErrSpawnIo, err)
	}
	apiSock := filepath.Join(vmDir, "api.sock")
	os.Remove(apiSock)

	bin := b.BinaryPath
	if bin == "" {
		bin = "firecracker"
	}
	cmd := exec.CommandContext(ctx, bin, "--api-sock", apiSock)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(vmDir)
		if os.IsPermission(err) {
			return nil, newSpawnErr(Firecracker, ErrPermissionDenied, err)
		}
		return nil, newSpawnErr(Firecracker, ErrSpawnIo, err)
	}
	go func() { _ = cmd.Wait() }()

	unwind := func(err error) (Handle, error) {
		_ = cmd.Process.Kill()
		os.RemoveAll(vmDir)
		return nil, err
	}

	if err := b.waitForSocket(ctx, apiSock); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}

	client := httpClientForSocket(apiSock)
	cid := b.allocateCID()

	slog.InfoContext(ctx, "firecracker.spawn", "instance", spec.InstanceID, "cid", cid)

	if err := b.apiCall(ctx, client, http.MethodPut, "/boot-source", map[string]any{
		"kernel_image_path": spec.KernelImage,
		"boot_args":         "console=ttyS0 reboot=k panic=1",
	}); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}
	if err := b.apiCall(ctx, client, http.MethodPut, "/drives/rootfs", map[string]any{
		"drive_id":       "rootfs",
		"path_on_host":   spec.RootfsImage,
		"is_root_device": true,
		"is_read_only":   false,
	}); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}
	vcpus := spec.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}
	memMB := spec.MemoryMB
	if memMB == 0 {
		memMB = 128
	}
	if err := b.apiCall(ctx, client, http.MethodPut, "/machine-config", map[string]any{
		"vcpu_count":   vcpus,
		"mem_size_mib": memMB,
	}); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}
	vsockPort := spec.VsockPort
	if vsockPort == 0 {
		vsockPort = 5000
	}
	if err := b.apiCall(ctx, client, http.MethodPut, "/vsock", map[string]any{
		"guest_cid": cid,
		"uds_path":  filepath.Join(vmDir, "vsock.sock"),
	}); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}
	if err := b.apiCall(ctx, client, http.MethodPut, "/actions", map[string]any{
		"action_type": "InstanceStart",
	}); err != nil {
		return unwind(newSpawnErr(Firecracker, ErrApiHandshakeFailed, err))
	}

	return &FirecrackerHandle{cmd: cmd, apiSock: apiSock, cid: cid}, nil
}

func (b *FirecrackerBackend) Kill(ctx context.Context, h Handle) error {
	fh, ok := h.(*FirecrackerHandle)
	if !ok || fh.cmd == nil || fh.cmd.Process == nil {
		return nil
	}
	client := httpClientForSocket(fh.apiSock)
	killCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = b.apiCall(killCtx, client, http.MethodPut, "/actions", map[string]any{"action_type": "SendCtrlAltDel"})

	done := make(chan struct{})
	go func() {
		_, _ = fh.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		_ = fh.cmd.Process.Kill()
	}
	os.RemoveAll(filepath.Dir(fh.apiSock))
	return nil
}

func (b *FirecrackerBackend) IsRunning(h Handle) bool {
	fh, ok := h.(*FirecrackerHandle)
	if !ok || fh.cmd == nil || fh.cmd.Process == nil {
		return false
	}
	return fh.cmd.ProcessState == nil
}
