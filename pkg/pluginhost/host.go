package pluginhost

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/signond/signond/pkg/signonerr"
)

// BinaryResolver maps a method type name to the subordinate binary to spawn
// for it, and any extra arguments that binary needs (for example, the
// ssotest/ssotest2 pair are the same binary invoked with a different
// -type flag).
type BinaryResolver func(methodType string) (path string, args []string)

// DefaultResolver resolves "lib<type>plugin" under pluginsDir, following the
// plugin binary contract's naming convention (the ".so" suffix in the
// original is dropped since these are standalone Go executables, not
// dynamically loaded modules). "ssotest2" is special-cased to the ssotest
// binary plus a -type flag rather than its own "libssotest2plugin": it is
// the same sample plugin stripped of the BLOB mechanism, not a distinct
// implementation.
func DefaultResolver(pluginsDir string) BinaryResolver {
	return func(methodType string) (string, []string) {
		if methodType == "ssotest2" {
			return filepath.Join(pluginsDir, "libssotestplugin"), []string{"-type=ssotest2"}
		}
		return filepath.Join(pluginsDir, "lib"+methodType+"plugin"), nil
	}
}

// MethodLister enumerates the method types with an installed plugin binary,
// for the daemon object's queryMethods.
type MethodLister func() ([]string, error)

// DefaultLister lists the method types backed by a "lib<type>plugin" binary
// under pluginsDir. "ssotest2" is added alongside "ssotest" whenever the
// ssotest binary is present, mirroring DefaultResolver's special case: it
// has no binary of its own.
func DefaultLister(pluginsDir string) MethodLister {
	return func() ([]string, error) {
		entries, err := os.ReadDir(pluginsDir)
		if err != nil {
			return nil, fmt.Errorf("pluginhost: list plugins dir: %w", err)
		}
		var out []string
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			name := e.Name()
			if !strings.HasPrefix(name, "lib") || !strings.HasSuffix(name, "plugin") {
				continue
			}
			methodType := strings.TrimSuffix(strings.TrimPrefix(name, "lib"), "plugin")
			out = append(out, methodType)
			if methodType == "ssotest" {
				out = append(out, "ssotest2")
			}
		}
		sort.Strings(out)
		return out, nil
	}
}

// HostOption configures a Host at construction.
type HostOption func(*Host)

// WithLister installs the MethodLister queryMethods uses. Without one,
// AvailableMethods reports no methods rather than erroring, since not every
// caller of NewHost needs enumeration (tests spawning a fixed method type,
// for instance).
func WithLister(lister MethodLister) HostOption {
	return func(h *Host) { h.lister = lister }
}

// Host is a subordinate factory shared by every session. Each session owns
// exactly one subordinate process for its lifetime (mirroring
// PluginProxy::createNewPluginProxy being called once per session in the
// source this was grounded on); Host only knows how to spawn one, not how to
// share it.
type Host struct {
	resolve BinaryResolver
	lister  MethodLister
	live    int64 // diagnostic counter, spawned minus gone
}

// NewHost constructs a Host using resolve to locate plugin binaries.
func NewHost(resolve BinaryResolver, opts ...HostOption) *Host {
	h := &Host{resolve: resolve}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// AvailableMethods reports the method types a configured MethodLister finds
// installed. Returns (nil, nil) when no lister was configured.
func (h *Host) AvailableMethods() ([]string, error) {
	if h.lister == nil {
		return nil, nil
	}
	return h.lister()
}

// Mechanisms spawns methodType just long enough to ask it what mechanisms
// it supports, then tears it down.
func (h *Host) Mechanisms(ctx context.Context, methodType string) ([]string, error) {
	sub, err := h.Spawn(ctx, methodType)
	if err != nil {
		return nil, err
	}
	defer func() { _ = sub.Stop() }()
	return sub.Mechanisms()
}

// Spawn starts a fresh subordinate for methodType. The caller (a Session)
// owns it exclusively until the session ends.
func (h *Host) Spawn(ctx context.Context, methodType string) (*Subordinate, error) {
	path, args := h.resolve(methodType)
	sub, err := Spawn(ctx, methodType, path, args...)
	if err != nil {
		return nil, signonerr.NewMethodNotKnownError(
			fmt.Sprintf("no plugin available for method %q", methodType), err)
	}
	atomic.AddInt64(&h.live, 1)
	go func() {
		<-sub.Gone()
		atomic.AddInt64(&h.live, -1)
	}()
	return sub, nil
}

// LiveCount returns the number of subordinates spawned by this Host that
// have not yet been observed gone; used by tests and diagnostics only.
func (h *Host) LiveCount() int64 {
	return atomic.LoadInt64(&h.live)
}
