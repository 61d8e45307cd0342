package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// QEMUBackend runs instances as QEMU microVMs, choosing kvm, hvf, or tcg
// acceleration in that preference order, and confirms the VM came up via a
// QMP handshake over a Unix socket.
type QEMUBackend struct {
	BinaryPath string
	RunDir     string
}

func NewQEMUBackend(binaryPath, runDir string) *QEMUBackend {
	return &QEMUBackend{BinaryPath: binaryPath, RunDir: runDir}
}

func (b *QEMUBackend) Kind() Kind { return QEMU }

func (b *QEMUBackend) binary() string {
	if b.BinaryPath != "" {
		return b.BinaryPath
	}
	return "qemu-system-x86_64"
}

func (b *QEMUBackend) IsAvailable() bool {
	_, err := exec.LookPath(b.binary())
	return err == nil
}

// accelerator picks the best available acceleration for this host: kvm on
// Linux with /dev/kvm writable, hvf on Darwin, tcg (pure emulation) always.
func (b *QEMUBackend) accelerator() string {
	if goruntime.GOOS == "linux" {
		if f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0); err == nil {
			f.Close()
			return "kvm"
		}
	}
	if goruntime.GOOS == "darwin" {
		return "hvf"
	}
	return "tcg"
}

type QEMUHandle struct {
	cmd     *exec.Cmd
	qmpSock string
}

func (h *QEMUHandle) Kind() Kind { return QEMU }
func (h *QEMUHandle) PID() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (b *QEMUBackend) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if !b.IsAvailable() {
		return nil, newSpawnErr(QEMU, ErrMissingBinary, ErrNotAvailable)
	}
	if spec.KernelImage == "" || spec.RootfsImage == "" {
		return nil, newSpawnErr(QEMU, ErrMissingAsset, fmt.Errorf("kernel and rootfs images are required"))
	}

	vmDir := filepath.Join(b.RunDir, spec.InstanceID)
	if err := os.MkdirAll(vmDir, 0o755); err != nil {
		return nil, newSpawnErr(QEMU, ErrSpawnIo, err)
	}
	qmpSock := filepath.Join(vmDir, "qmp.sock")
	serialSock := filepath.Join(vmDir, "serial.sock")
	os.Remove(qmpSock)
	os.Remove(serialSock)

	vcpus := spec.VCPUs
	if vcpus == 0 {
		vcpus = 1
	}
	memMB := spec.MemoryMB
	if memMB == 0 {
		memMB = 256
	}
	accel := b.accelerator()

	args := []string{
		"-machine", "accel=" + accel,
		"-m", fmt.Sprintf("%d", memMB),
		"-smp", fmt.Sprintf("%d", vcpus),
		"-kernel", spec.KernelImage,
		"-drive", "file=" + spec.RootfsImage + ",format=raw,if=virtio",
		"-append", "console=ttyS0 root=/dev/vda rw",
		"-nographic",
		"-qmp", "unix:" + qmpSock + ",server,nowait",
		"-chardev", "socket,id=virtcon,path=" + serialSock + ",server=on,wait=off",
		"-device", "virtio-serial",
		"-device", "virtconsole,chardev=virtcon",
	}

	slog.InfoContext(ctx, "qemu.spawn", "instance", spec.InstanceID, "accel", accel)

	cmd := exec.CommandContext(ctx, b.binary(), args...)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(vmDir)
		if os.IsPermission(err) {
			return nil, newSpawnErr(QEMU, ErrPermissionDenied, err)
		}
		return nil, newSpawnErr(QEMU, ErrSpawnIo, err)
	}
	go func() { _ = cmd.Wait() }()

	if err := qmpHandshake(ctx, qmpSock); err != nil {
		_ = cmd.Process.Kill()
		os.RemoveAll(vmDir)
		return nil, newSpawnErr(QEMU, ErrApiHandshakeFailed, err)
	}

	return &QEMUHandle{cmd: cmd, qmpSock: qmpSock}, nil
}

// qmpHandshake connects to the QMP socket, reads the greeting, and issues
// qmp_capabilities to leave negotiation mode, confirming the VM's monitor is
// alive within a 10s budget.
func qmpHandshake(ctx context.Context, sockPath string) error {
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	deadline := time.Now().Add(10 * time.Second)
	var conn net.Conn
	var err error
	for time.Now().Before(deadline) {
		var d net.Dialer
		conn, err = d.DialContext(hctx, "unix", sockPath)
		if err == nil {
			break
		}
		select {
		case <-hctx.Done():
			return hctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	if conn == nil {
		return fmt.Errorf("qmp socket never appeared: %w", err)
	}
	defer conn.Close()

	reader := bufio.NewReader(conn)
	var greeting map[string]any
	if err := json.NewDecoder(reader).Decode(&greeting); err != nil {
		return fmt.Errorf("qmp greeting: %w", err)
	}
	if _, err := conn.Write([]byte(`{"execute":"qmp_capabilities"}` + "\n")); err != nil {
		return fmt.Errorf("qmp_capabilities write: %w", err)
	}
	var reply map[string]any
	if err := json.NewDecoder(reader).Decode(&reply); err != nil {
		return fmt.Errorf("qmp_capabilities reply: %w", err)
	}
	if _, ok := reply["return"]; !ok {
		return fmt.Errorf("qmp_capabilities rejected: %v", reply)
	}
	return nil
}

func (b *QEMUBackend) Kill(ctx context.Context, h Handle) error {
	qh, ok := h.(*QEMUHandle)
	if !ok || qh.cmd == nil || qh.cmd.Process == nil {
		return nil
	}
	_ = sendQMPQuit(qh.qmpSock)

	done := make(chan struct{})
	go func() {
		_, _ = qh.cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = qh.cmd.Process.Kill()
	case <-ctx.Done():
		_ = qh.cmd.Process.Kill()
	}
	os.RemoveAll(filepath.Dir(qh.qmpSock))
	return nil
}

func sendQMPQuit(sockPath string) error {
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Write([]byte(`{"execute":"quit"}` + "\n"))
	return err
}

func (b *QEMUBackend) IsRunning(h Handle) bool {
	qh, ok := h.(*QEMUHandle)
	if !ok || qh.cmd == nil || qh.cmd.Process == nil {
		return false
	}
	return qh.cmd.ProcessState == nil
}
