// Package exclude decides per request whether the proxy is bypassed.
package exclude

import "sync/atomic"

// Match reports whether requestHost or documentHost equals an entry of list.
// Matching is exact; there is no wildcard or subdomain matching.
func Match(list []string, requestHost, documentHost string) bool {
	for _, entry := range list {
		if entry == "" {
			continue
		}
		if entry == requestHost || (documentHost != "" && entry == documentHost) {
			return true
		}
	}
	return false
}

// Filter holds the active exclude list. It is safe for concurrent use; the
// list is replaced wholesale whenever the options change.
type Filter struct {
	list atomic.Pointer[[]string]
}

// NewFilter returns a disabled filter.
func NewFilter() *Filter {
	return &Filter{}
}

// Update recomputes the filter. A disabled filter never bypasses.
func (f *Filter) Update(enabled bool, list []string) {
	if !enabled {
		f.list.Store(nil)
		return
	}
	cp := append([]string(nil), list...)
	f.list.Store(&cp)
}

// Bypass reports whether a request must skip the proxy.
func (f *Filter) Bypass(requestHost, documentHost string) bool {
	list := f.list.Load()
	if list == nil {
		return false
	}
	return Match(*list, requestHost, documentHost)
}
