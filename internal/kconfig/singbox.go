package kconfig

import "fmt"

// Paths owned by sboxd inside the kernel configuration.
var (
	PathInbounds     = Path{"inbounds"}
	PathExperimental = Path{"experimental"}
	PathClashAPI     = Path{"experimental", "clash_api"}
	PathCacheFile    = Path{"experimental", "cache_file"}
	PathDNSStrategy  = Path{"dns", "strategy"}
)

// Inbound is one local listening endpoint of the kernel.
type Inbound struct {
	Type           string   `json:"type"`
	Tag            string   `json:"tag"`
	Listen         string   `json:"listen,omitempty"`
	ListenPort     int      `json:"listen_port,omitempty"`
	Address        []string `json:"address,omitempty"`
	AutoRoute      bool     `json:"auto_route,omitempty"`
	StrictRoute    bool     `json:"strict_route,omitempty"`
	Stack          string   `json:"stack,omitempty"`
	Sniff          bool     `json:"sniff,omitempty"`
	SetSystemProxy bool     `json:"set_system_proxy,omitempty"`
}

// InboundOptions are the host-specific values baked into inbound entries.
type InboundOptions struct {
	ListenAddr   string
	ListenPort   int
	TunAddresses []string
	TunStack     string
}

// Mode selects how local traffic reaches the kernel.
type Mode string

const (
	ModeSystemProxy Mode = "system"
	ModeTUN         Mode = "tun"
)

// ParseMode accepts "system", "system-proxy" and "tun".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "system", "system-proxy", "system_proxy":
		return ModeSystemProxy, nil
	case "tun":
		return ModeTUN, nil
	}
	return "", fmt.Errorf("unknown mode %q (want system or tun)", s)
}

// SystemProxyInbounds is a single mixed inbound that registers itself as
// the OS proxy.
func SystemProxyInbounds(o InboundOptions) []Inbound {
	return []Inbound{{
		Type:           "mixed",
		Tag:            "mixed-in",
		Listen:         o.ListenAddr,
		ListenPort:     o.ListenPort,
		SetSystemProxy: true,
	}}
}

// TunInbounds keeps a plain mixed inbound and adds a TUN device that
// captures all routed traffic.
func TunInbounds(o InboundOptions) []Inbound {
	stack := o.TunStack
	if stack == "" {
		stack = "mixed"
	}
	return []Inbound{
		{
			Type:       "mixed",
			Tag:        "mixed-in",
			Listen:     o.ListenAddr,
			ListenPort: o.ListenPort,
		},
		{
			Type:        "tun",
			Tag:         "tun-in",
			Address:     append([]string(nil), o.TunAddresses...),
			AutoRoute:   true,
			StrictRoute: true,
			Stack:       stack,
		},
	}
}

// ApplyMode replaces the inbounds array for mode.
func ApplyMode(doc *Document, mode Mode, o InboundOptions) error {
	switch mode {
	case ModeSystemProxy:
		return doc.Set(PathInbounds, SystemProxyInbounds(o))
	case ModeTUN:
		return doc.Set(PathInbounds, TunInbounds(o))
	}
	return fmt.Errorf("unknown mode %q", mode)
}

// ClashAPI configures the kernel's external controller.
type ClashAPI struct {
	ExternalController       string `json:"external_controller"`
	ExternalUI               string `json:"external_ui,omitempty"`
	ExternalUIDownloadURL    string `json:"external_ui_download_url,omitempty"`
	ExternalUIDownloadDetour string `json:"external_ui_download_detour,omitempty"`
	DefaultMode              string `json:"default_mode,omitempty"`
}

// CacheFile toggles the kernel's persistent cache.
type CacheFile struct {
	Enabled bool `json:"enabled"`
}

// InjectExperimental writes clash_api and cache_file under "experimental",
// overriding whatever a subscription supplied for them and keeping any other
// experimental keys.
func InjectExperimental(doc *Document, api ClashAPI, cache CacheFile) error {
	return doc.Merge(PathExperimental, map[string]any{
		"clash_api":  api,
		"cache_file": cache,
	})
}
