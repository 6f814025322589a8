package ib

import (
	"go.uber.org/zap"

	"github.com/rocketbitz/ibverbs-go/internal/verbs"
)

// DefaultPortNum is the adapter port probed when the caller does not name
// one.
const DefaultPortNum uint8 = 1

// DiscoverOption adjusts discovery behavior.
type DiscoverOption func(*discoverConfig)

type discoverConfig struct {
	logger *zap.Logger
}

// WithLogger routes discovery skip decisions to the supplied logger.
// Discovery is silent by default.
func WithLogger(logger *zap.Logger) DiscoverOption {
	return func(cfg *discoverConfig) {
		cfg.logger = logger
	}
}

// DeviceList is the ordered result of discovery: every enumerated adapter
// that has a usable, active port. It owns the native enumeration buffer;
// Close invalidates every Device it produced.
type DeviceList struct {
	lib     verbs.Lib
	token   verbs.DeviceListToken
	devices []verbs.Device
	open    bool
}

// DiscoverDevices enumerates all adapters visible to the process and keeps
// those whose port portNum has an InfiniBand or Ethernet link layer and is
// in the active state, preserving enumeration order. An adapter that fails
// to open is logged and skipped; a host with multiple adapters routinely
// has ports that are down or unwired, and one bad adapter must not abort
// discovery. Port attribute query failures are surfaced as SystemError.
func DiscoverDevices(lib verbs.Lib, portNum uint8, opts ...DiscoverOption) (*DeviceList, error) {
	cfg := discoverConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	if portNum == 0 {
		portNum = DefaultPortNum
	}

	token, all, errno := lib.GetDeviceList()
	if errno != verbs.OK {
		// Older libibverbs versions report ENOSYS negated when the kernel
		// module is missing; flip it so callers match on the positive code.
		if errno == -verbs.ENOSYS {
			errno = verbs.ENOSYS
		}
		return nil, &SystemError{Op: "ibv_get_device_list", Code: errno}
	}

	release := func() {
		checkVoid(func() { lib.FreeDeviceList(token) })
	}

	usable := make([]verbs.Device, 0, len(all))
	for _, device := range all {
		ctx, err := OpenContext(lib, device)
		if err != nil {
			cfg.logger.Warn("skipping device that failed to open",
				zap.String("device", device.Name),
				zap.Error(err))
			continue
		}

		attr, errno := lib.QueryPort(ctx.handle, portNum)
		if errno != verbs.OK {
			_ = ctx.Close()
			release()
			return nil, &SystemError{Op: "ibv_query_port", Code: errno}
		}
		if err := ctx.Close(); err != nil {
			release()
			return nil, err
		}

		if attr.LinkLayer != verbs.LinkLayerInfiniBand && attr.LinkLayer != verbs.LinkLayerEthernet {
			cfg.logger.Debug("skipping device with unusable link layer",
				zap.String("device", device.Name),
				zap.Uint8("port", portNum),
				zap.Stringer("link_layer", attr.LinkLayer))
			continue
		}
		if attr.State != verbs.PortActive {
			cfg.logger.Debug("skipping device with inactive port",
				zap.String("device", device.Name),
				zap.Uint8("port", portNum),
				zap.Stringer("state", attr.State))
			continue
		}
		usable = append(usable, device)
	}

	return &DeviceList{lib: lib, token: token, devices: usable, open: true}, nil
}

// Size reports the number of adapters that passed the usability filter.
func (l *DeviceList) Size() int {
	if l == nil {
		return 0
	}
	return len(l.devices)
}

// At returns the i-th usable adapter in enumeration order. The reference
// is valid until Close.
func (l *DeviceList) At(i int) verbs.Device {
	return l.devices[i]
}

// Close frees the native enumeration buffer. Every Device this list
// produced becomes invalid.
func (l *DeviceList) Close() error {
	if l == nil || !l.open {
		return nil
	}
	l.open = false
	l.devices = nil
	checkVoid(func() { l.lib.FreeDeviceList(l.token) })
	return nil
}
