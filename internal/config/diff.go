package config

import (
	"strings"

	logx "chronograph/pkg/logx"
)

// SummarizeChange returns a compact list of changed sections plus safe
// structured attrs for logging (never includes secrets like API tokens).
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// API (never log the token)
	if strings.TrimSpace(oldCfg.API.BaseURL) != strings.TrimSpace(newCfg.API.BaseURL) ||
		oldCfg.API.Timeout != newCfg.API.Timeout ||
		oldCfg.API.RatePerSec != newCfg.API.RatePerSec ||
		oldCfg.API.Token != newCfg.API.Token {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.String("api.base_url", strings.TrimSpace(newCfg.API.BaseURL)),
			logx.Int("api.rate_per_sec", newCfg.API.RatePerSec),
			logx.Bool("api.token_set", strings.TrimSpace(newCfg.API.Token) != ""),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.smoothing_min", newCfg.Scheduler.SmoothingMin),
			logx.String("scheduler.smoothing_max", newCfg.Scheduler.SmoothingMax),
		)
	}

	if oldCfg.Planning != newCfg.Planning {
		changed = append(changed, "planning")
	}
	if oldCfg.Feed != newCfg.Feed {
		changed = append(changed, "feed")
	}
	if oldCfg.Server != newCfg.Server {
		changed = append(changed, "server")
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
	}

	// Notify (never log the bot token)
	on := derefNotify(oldCfg.Notify)
	nn := derefNotify(newCfg.Notify)
	if on != nn {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Bool("notify.enabled", nn.Enabled),
			logx.Bool("notify.token_set", strings.TrimSpace(nn.Token) != ""),
		)
	}

	return changed, attrs
}

func derefNotify(n *NotifyConfig) NotifyConfig {
	if n == nil {
		return NotifyConfig{}
	}
	return *n
}
