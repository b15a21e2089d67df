package gpu

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/fxnlabs/nn-gpu/internal/config"
)

// Manager handles device selection and lifecycle
type Manager struct {
	device Device
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewManager creates the device named by the configuration and applies any
// configured limit overrides.
func NewManager(cfg config.DeviceConfig, templates map[string]Template, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		logger: logger,
	}

	switch cfg.Backend {
	case "", "cpu":
		dev := NewCPUDevice(logger, templates)
		dev.SetLimits(ApplyLimits(dev.Limits(), cfg.Limits))
		m.device = dev
	default:
		return nil, fmt.Errorf("unsupported device backend: %s", cfg.Backend)
	}

	info := m.device.Info()
	limits := m.device.Limits()
	logger.Info("Device initialized",
		zap.String("backend", m.GetBackendType()),
		zap.String("name", info.Name),
		zap.Int("maxWorkgroupInvocations", limits.MaxWorkgroupInvocations),
		zap.Ints("maxWorkgroupSize", limits.MaxWorkgroupSize[:]),
		zap.Ints("maxWorkgroupCount", limits.MaxWorkgroupCount[:]))
	return m, nil
}

// ApplyLimits overlays the non-zero configured limits on the device's own.
func ApplyLimits(l Limits, o config.LimitsConfig) Limits {
	if o.MaxWorkgroupInvocations > 0 {
		l.MaxWorkgroupInvocations = o.MaxWorkgroupInvocations
	}
	for axis := 0; axis < 3; axis++ {
		if o.MaxWorkgroupSize[axis] > 0 {
			l.MaxWorkgroupSize[axis] = o.MaxWorkgroupSize[axis]
		}
		if o.MaxWorkgroupCount[axis] > 0 {
			l.MaxWorkgroupCount[axis] = o.MaxWorkgroupCount[axis]
		}
	}
	return l
}

// Device returns the current device
func (m *Manager) Device() Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.device
}

// GetDeviceInfo returns device information from the current device
func (m *Manager) GetDeviceInfo() DeviceInfo {
	dev := m.Device()
	if dev == nil {
		return DeviceInfo{Name: "No device available"}
	}
	return dev.Info()
}

// Cleanup releases resources held by the current device
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.device != nil {
		if err := m.device.Close(); err != nil {
			return err
		}
		m.device = nil
	}
	return nil
}

// GetBackendType returns a string describing the current backend type
func (m *Manager) GetBackendType() string {
	switch m.Device().(type) {
	case nil:
		return "none"
	case *CPUDevice:
		return "cpu"
	default:
		return "unknown"
	}
}
