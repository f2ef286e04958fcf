//go:build !linux

package bluetooth

// applyPlatformDefaults leaves the hooks empty; the adapter then reports
// itself unsupported unless a caller supplies its own radio.
func applyPlatformDefaults(opts *Options) {}
