package options

// Option names.
const (
	AutoConnect                   = "autoConnect"
	RememberConnectedServer       = "rememberConnectedServer"
	ProxyDNS                      = "proxyDns"
	EnableNotifications           = "enableNotifications"
	EnableNotificationsOnlyErrors = "enableNotificationsOnlyErrors"
	EnableIPv6Lookups             = "enableIpv6Lookups"
	EnableDebugInfo               = "enableDebugInfo"
	EnableExcludeList             = "enableExcludeList"
	ExcludeList                   = "excludeList"
	EnableQuickConnect            = "enableQuickConnect"
)

// Options is the typed view of the persisted options document.
type Options struct {
	AutoConnect                   bool     `json:"autoConnect"`
	RememberConnectedServer       bool     `json:"rememberConnectedServer"`
	ProxyDNS                      bool     `json:"proxyDns"`
	EnableNotifications           bool     `json:"enableNotifications"`
	EnableNotificationsOnlyErrors bool     `json:"enableNotificationsOnlyErrors"`
	EnableIPv6Lookups             bool     `json:"enableIpv6Lookups"`
	EnableDebugInfo               bool     `json:"enableDebugInfo"`
	EnableExcludeList             bool     `json:"enableExcludeList"`
	ExcludeList                   []string `json:"excludeList"`
	EnableQuickConnect            bool     `json:"enableQuickConnect"`
}

// Values is the untyped options document as stored.
type Values map[string]any

// Defaults returns the values seeded on install.
func Defaults() Values {
	return Values{
		AutoConnect:                   false,
		RememberConnectedServer:       false,
		ProxyDNS:                      true,
		EnableNotifications:           true,
		EnableNotificationsOnlyErrors: false,
		EnableIPv6Lookups:             false,
		EnableDebugInfo:               false,
		EnableExcludeList:             false,
		ExcludeList:                   []string{},
		EnableQuickConnect:            false,
	}
}
