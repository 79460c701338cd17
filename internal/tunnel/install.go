// Package tunnel supervises cloudflared children: binary bootstrap
// (download, validate, install), quick and named tunnel lifecycle, public
// URL extraction from child output, and status events.
package tunnel

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fikri2992/remote-coding-extension-sub000/internal/ws"
)

const (
	binaryName      = "cloudflared"
	releaseURLBase  = "https://github.com/cloudflare/cloudflared/releases/latest/download/"
	minBinarySize   = 1 << 20
	versionTimeout  = 5 * time.Second
	downloadTimeout = 5 * time.Minute
)

// Installer acquires the cloudflared binary: PATH first, then a release
// download. The resolved path and version are cached in memory.
type Installer struct {
	log *zap.Logger
	// Dir is where downloaded binaries land. Default: ./.on-the-go/bin.
	Dir string
	// UserAgent is sent on download requests.
	UserAgent string
	// Client allows test injection; nil means http.DefaultClient.
	Client *http.Client

	mu      sync.Mutex
	pinned  string
	path    string
	version string
}

// NewInstaller builds an installer writing into dir.
func NewInstaller(dir, userAgent string, log *zap.Logger) *Installer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Installer{log: log, Dir: dir, UserAgent: userAgent}
}

// UseBinary pins a preconfigured cloudflared path, skipping PATH lookup and
// download. The binary is still version-verified on first Ensure.
func (i *Installer) UseBinary(path string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.pinned = path
}

// Status reports the cached binary path and version, if resolved.
func (i *Installer) Status() (path, version string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.path, i.version
}

// Ensure returns a working cloudflared path, bootstrapping one if needed.
func (i *Installer) Ensure(ctx context.Context) (string, error) {
	i.mu.Lock()
	if i.path != "" {
		path := i.path
		i.mu.Unlock()
		return path, nil
	}
	pinned := i.pinned
	i.mu.Unlock()

	if pinned != "" {
		version, err := i.verify(ctx, pinned)
		if err != nil {
			return "", ws.Errf(ws.KindUnavailable, "configured cloudflared failed verification: %v", err)
		}
		i.cache(pinned, version)
		return pinned, nil
	}

	if path, err := exec.LookPath(binaryName); err == nil {
		if version, err := i.verify(ctx, path); err == nil {
			i.cache(path, version)
			return path, nil
		}
	}

	path, err := i.download(ctx)
	if err != nil {
		return "", ws.Errf(ws.KindUnavailable, "cloudflared unavailable: %v", err)
	}
	version, err := i.verify(ctx, path)
	if err != nil {
		return "", ws.Errf(ws.KindUnavailable, "downloaded cloudflared failed verification: %v", err)
	}
	i.cache(path, version)
	return path, nil
}

func (i *Installer) cache(path, version string) {
	i.mu.Lock()
	i.path = path
	i.version = version
	i.mu.Unlock()
	i.log.Info("cloudflared resolved", zap.String("path", path), zap.String("version", version))
}

// verify runs `<bin> version` with a short timeout.
func (i *Installer) verify(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, path, "version").Output()
	if err != nil {
		return "", fmt.Errorf("%s version: %w", path, err)
	}
	return strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0]), nil
}

// detectArch maps the running platform onto a release asset architecture.
// On Windows the environment distinguishes ARM64 hosts running an AMD64
// process.
func detectArch() string {
	if runtime.GOOS == "windows" {
		arch := strings.ToUpper(os.Getenv("PROCESSOR_ARCHITECTURE"))
		wow := strings.ToUpper(os.Getenv("PROCESSOR_ARCHITEW6432"))
		if arch == "ARM64" || wow == "ARM64" {
			return "arm64"
		}
		if arch == "AMD64" || wow == "AMD64" {
			return "amd64"
		}
		if arch == "X86" && wow == "" {
			return "386"
		}
	}
	switch runtime.GOARCH {
	case "amd64", "arm64", "386", "arm":
		return runtime.GOARCH
	default:
		return "amd64"
	}
}

// alternateArch is the one retry target when the first asset fails
// validation.
func alternateArch(arch string) string {
	if arch == "arm64" {
		return "amd64"
	}
	return "arm64"
}

func assetURL(goos, arch string) string {
	name := fmt.Sprintf("%s-%s-%s", binaryName, goos, arch)
	if goos == "windows" {
		name += ".exe"
	}
	return releaseURLBase + name
}

func (i *Installer) download(ctx context.Context) (string, error) {
	if err := os.MkdirAll(i.Dir, 0o755); err != nil {
		return "", err
	}
	target := filepath.Join(i.Dir, binaryName)
	if runtime.GOOS == "windows" {
		target += ".exe"
	}

	arch := detectArch()
	if err := i.fetchAndValidate(ctx, assetURL(runtime.GOOS, arch), target); err != nil {
		i.log.Warn("asset download failed, trying alternate architecture",
			zap.String("arch", arch), zap.Error(err))
		alt := alternateArch(arch)
		if err := i.fetchAndValidate(ctx, assetURL(runtime.GOOS, alt), target); err != nil {
			return "", err
		}
	}

	if runtime.GOOS != "windows" {
		if err := os.Chmod(target, 0o755); err != nil {
			return "", err
		}
	}
	return target, nil
}

// fetchAndValidate downloads one release asset and checks size and header
// bytes before installing it.
func (i *Installer) fetchAndValidate(ctx context.Context, url, target string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	tmp := target + ".download"
	err := retryDo(ctx, defaultRetryConfig(), i.log, "cloudflared download", func(ctx context.Context) error {
		return i.fetchOnce(ctx, url, tmp)
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := validateBinary(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, target)
}

func (i *Installer) fetchOnce(ctx context.Context, url, tmp string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Permanent(err)
	}
	if i.UserAgent != "" {
		req.Header.Set("User-Agent", i.UserAgent)
	}
	client := i.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return Permanent(fmt.Errorf("asset not found: %s", url))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download %s: HTTP %d", url, resp.StatusCode)
	}

	f, err := os.Create(tmp)
	if err != nil {
		return Permanent(err)
	}
	_, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	return closeErr
}

// validateBinary checks the downloaded asset: nonzero plausible size, and on
// Windows the PE signature. POSIX relies on the version run as the real gate.
func validateBinary(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() < minBinarySize {
		return fmt.Errorf("downloaded binary too small (%d bytes)", info.Size())
	}
	if runtime.GOOS == "windows" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		header := make([]byte, 2)
		if _, err := io.ReadFull(f, header); err != nil {
			return err
		}
		if header[0] != 'M' || header[1] != 'Z' {
			return fmt.Errorf("downloaded binary is not a PE executable")
		}
	}
	return nil
}
