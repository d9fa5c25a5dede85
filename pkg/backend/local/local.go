// Package local leases compute slots on the current host, optionally pinned
// to named devices such as GPUs. A slot is usable while the host has enough
// free memory and CPU headroom; each slot may own a scratch directory that is
// emptied between leases.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/ajitpratap0/leasepool/pkg/backend"
	"github.com/ajitpratap0/leasepool/pkg/backend/registry"
	"github.com/ajitpratap0/leasepool/pkg/config"
	"github.com/ajitpratap0/leasepool/pkg/poolerrors"
	"github.com/ajitpratap0/leasepool/pkg/resource"
)

// Name is the backend type.
const Name = "local"

func init() {
	registry.MustRegister(registry.Info{
		Name:        Name,
		Description: "local compute slots gated on host memory and CPU load",
		Settings:    []string{"prefix", "devices", "min_free_memory_mb", "max_cpu_percent", "work_dir"},
	}, New)
}

// Settings configures the local backend.
type Settings struct {
	Prefix string `mapstructure:"prefix"`
	// Devices pins slot i to Devices[i]; empty means anonymous slots
	Devices         []string `mapstructure:"devices"`
	MinFreeMemoryMB uint64   `mapstructure:"min_free_memory_mb"`
	// MaxCPUPercent of 0 disables the CPU check
	MaxCPUPercent float64 `mapstructure:"max_cpu_percent"`
	// WorkDir, when set, gives every slot its own scratch directory
	WorkDir string `mapstructure:"work_dir"`
}

type hostProbe interface {
	AvailableMemoryMB(ctx context.Context) (uint64, error)
	CPUPercent(ctx context.Context) (float64, error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) AvailableMemoryMB(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available / (1 << 20), nil
}

func (gopsutilProbe) CPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, nil
	}
	return pcts[0], nil
}

// Hook implements resource.Hook for local slots.
type Hook struct {
	settings Settings
	probe    hostProbe
	hostname string
	logger   *zap.Logger
}

// New builds the hook from backend settings.
func New(cfg config.BackendConfig, log *zap.Logger) (resource.Hook, error) {
	s := Settings{Prefix: "slot"}
	if err := config.DecodeSettings(cfg.Settings, &s); err != nil {
		return nil, err
	}
	if s.MaxCPUPercent < 0 || s.MaxCPUPercent > 100 {
		return nil, poolerrors.New(poolerrors.ErrorTypeConfig, "max_cpu_percent must be within [0, 100]")
	}

	hostname := "localhost"
	if info, err := host.Info(); err == nil && info.Hostname != "" {
		hostname = info.Hostname
	}
	return newHook(s, gopsutilProbe{}, hostname, log), nil
}

func newHook(s Settings, probe hostProbe, hostname string, log *zap.Logger) *Hook {
	return &Hook{settings: s, probe: probe, hostname: hostname, logger: log}
}

// CreateResource checks capacity and prepares the slot's scratch directory.
func (h *Hook) CreateResource(ctx context.Context, index int) (*resource.Entry, error) {
	id := resource.SlotID(h.settings.Prefix, index)
	cfg := map[string]string{"slot": strconv.Itoa(index)}

	if len(h.settings.Devices) > 0 {
		if index >= len(h.settings.Devices) {
			return backend.Failed(id, cfg, "no device configured for this slot"), nil
		}
		cfg["device"] = h.settings.Devices[index]
	}

	if h.settings.WorkDir != "" {
		dir := filepath.Join(h.settings.WorkDir, id)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, poolerrors.Wrap(err, poolerrors.ErrorTypeCreation, "failed to create work dir").
				WithDetail("dir", dir)
		}
		cfg["work_dir"] = dir
	}

	if err := h.checkCapacity(ctx); err != nil {
		return backend.Failed(id, cfg, err.Error()), nil
	}
	return resource.NewEntry(id, cfg), nil
}

// ValidateResource re-checks host capacity.
func (h *Hook) ValidateResource(ctx context.Context, entry *resource.Entry) bool {
	if err := h.checkCapacity(ctx); err != nil {
		h.logger.Debug("host lacks capacity", zap.String("resource_id", entry.ID), zap.Error(err))
		return false
	}
	return true
}

func (h *Hook) checkCapacity(ctx context.Context) error {
	if h.settings.MinFreeMemoryMB > 0 {
		free, err := h.probe.AvailableMemoryMB(ctx)
		if err != nil {
			return fmt.Errorf("memory probe failed: %w", err)
		}
		if free < h.settings.MinFreeMemoryMB {
			return fmt.Errorf("available memory %dMB below %dMB", free, h.settings.MinFreeMemoryMB)
		}
	}
	if h.settings.MaxCPUPercent > 0 {
		load, err := h.probe.CPUPercent(ctx)
		if err != nil {
			return fmt.Errorf("cpu probe failed: %w", err)
		}
		if load > h.settings.MaxCPUPercent {
			return fmt.Errorf("cpu load %.1f%% above %.1f%%", load, h.settings.MaxCPUPercent)
		}
	}
	return nil
}

// ConnectionInfo returns the host, slot and, when configured, device and
// scratch directory.
func (h *Hook) ConnectionInfo(_ context.Context, entry *resource.Entry) (resource.ConnectionInfo, error) {
	info := resource.ConnectionInfo{"host": h.hostname}
	for k, v := range entry.Config {
		info[k] = v
	}
	return info, nil
}

// ResetResource empties the slot's scratch directory.
func (h *Hook) ResetResource(_ context.Context, entry *resource.Entry) error {
	dir := entry.Config["work_dir"]
	if dir == "" {
		return nil
	}
	children, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := os.RemoveAll(filepath.Join(dir, child.Name())); err != nil {
			return err
		}
	}
	return nil
}

// StopResource removes the slot's scratch directory.
func (h *Hook) StopResource(_ context.Context, entry *resource.Entry) error {
	if dir := entry.Config["work_dir"]; dir != "" {
		return os.RemoveAll(dir)
	}
	return nil
}
