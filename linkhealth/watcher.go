package linkhealth

import (
	"context"
	"slices"
	"strings"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// DefaultWiFiPrefixes are interface name prefixes treated as WiFi.
var DefaultWiFiPrefixes = []string{"wlan", "wlp", "wl", "en0"}

// InterfaceWatcher turns OS interface samples into NetworkEvents. It emits
// only on change.
type InterfaceWatcher struct {
	prefixes []string
	interval time.Duration
	logger   *zap.Logger
	list     func(ctx context.Context) (psnet.InterfaceStatList, error)
}

// NewInterfaceWatcher creates a new InterfaceWatcher sampling every interval.
func NewInterfaceWatcher(prefixes []string, interval time.Duration, logger *zap.Logger) *InterfaceWatcher {
	if len(prefixes) == 0 {
		prefixes = DefaultWiFiPrefixes
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &InterfaceWatcher{
		prefixes: prefixes,
		interval: interval,
		logger:   logger,
		list:     psnet.InterfacesWithContext,
	}
}

// Run samples until ctx is done, calling sink with the first sample and on
// every change.
func (w *InterfaceWatcher) Run(ctx context.Context, sink func(NetworkEvent)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	var last *NetworkEvent
	for {
		ev, err := w.Sample(ctx)
		if err != nil {
			w.logger.Debug("failed to list network interfaces", zap.Error(err))
		} else if last == nil || *last != ev {
			last = &ev
			sink(ev)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sample classifies the current interfaces. A usable WiFi interface wins over
// any other usable one.
func (w *InterfaceWatcher) Sample(ctx context.Context) (NetworkEvent, error) {
	ifaces, err := w.list(ctx)
	if err != nil {
		return NetworkEvent{}, err
	}

	var other *NetworkEvent
	for _, iface := range ifaces {
		if !usable(iface) {
			continue
		}
		if w.isWiFi(iface.Name) {
			return NetworkEvent{Connected: true, Type: NetworkWiFi, Interface: iface.Name}, nil
		}
		if other == nil {
			other = &NetworkEvent{Connected: true, Type: NetworkEthernet, Interface: iface.Name}
		}
	}
	if other != nil {
		return *other, nil
	}
	return NetworkEvent{Connected: false, Type: NetworkNone}, nil
}

func (w *InterfaceWatcher) isWiFi(name string) bool {
	for _, p := range w.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// usable skips down, loopback and address-less interfaces as well as
// container bridges.
func usable(iface psnet.InterfaceStat) bool {
	if !slices.Contains(iface.Flags, "up") || slices.Contains(iface.Flags, "loopback") {
		return false
	}
	if len(iface.Addrs) == 0 {
		return false
	}
	for _, p := range []string{"docker", "br-", "veth"} {
		if strings.HasPrefix(iface.Name, p) {
			return false
		}
	}
	return true
}
