package transport

import "github.com/dreschagin/logrelay/pkg/config"

// ConfigFrom maps environment shipping settings onto a transport Config.
func ConfigFrom(s config.ShippingConfig) Config {
	return Config{
		Enabled:          s.Enabled,
		Endpoint:         s.Endpoint,
		ViaProxy:         s.ViaProxy,
		Username:         s.Username,
		Password:         s.Password,
		Tenant:           s.Tenant,
		App:              s.App,
		Version:          s.Version,
		Environment:      s.Environment,
		BatchSize:        s.BatchSize,
		FlushInterval:    s.FlushInterval,
		MaxRetries:       s.MaxRetries,
		RetryDelay:       s.RetryDelay,
		LocalDevelopment: s.LocalDevelopment,
		Gzip:             s.Gzip,
	}
}
