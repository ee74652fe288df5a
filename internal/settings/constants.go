package settings

// DB config keys and defaults for settings.
const (
	// SiteNameKey is the DB config key for the UI site name.
	SiteNameKey = "SITE_NAME"
	// DefaultSiteName is the fallback UI site name.
	DefaultSiteName = "CLIProxyDashboard"
	// CollectorEnabledKey toggles the in-process collection scheduler.
	CollectorEnabledKey = "COLLECTOR_ENABLED"
	// CollectorIntervalSecondsKey controls the scheduled collection interval in seconds.
	CollectorIntervalSecondsKey = "COLLECTOR_INTERVAL_SECONDS"
	// DefaultCollectorEnabled is the fallback scheduler toggle.
	DefaultCollectorEnabled = true
	// DefaultCollectorIntervalSeconds is the fallback collection interval (seconds).
	DefaultCollectorIntervalSeconds = 900
)
