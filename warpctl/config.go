package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/swimgo/warp/warp"
)

type fileConfig struct {
	SendBufferSize      int      `toml:"send_buffer_size"`
	MinReconnectTimeout string   `toml:"min_reconnect_timeout"`
	MaxReconnectTimeout string   `toml:"max_reconnect_timeout"`
	IdleTimeout         string   `toml:"idle_timeout"`
	HandshakeTimeout    string   `toml:"handshake_timeout"`
	WriteTimeout        string   `toml:"write_timeout"`
	ReadTimeout         string   `toml:"read_timeout"`
	PingTimeout         string   `toml:"ping_timeout"`
	Protocols           []string `toml:"protocols"`
	Worker              bool     `toml:"worker"`
}

// loadClientSettings overlays the keys defined in the file on the default settings
func loadClientSettings(path string) (*warp.ClientSettings, error) {
	settings := warp.DefaultClientSettings()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, fmt.Errorf("load warpctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); 0 < len(undecoded) {
		return nil, fmt.Errorf("load warpctl config: unknown key %s", undecoded[0])
	}

	if meta.IsDefined("send_buffer_size") {
		if raw.SendBufferSize <= 0 {
			return nil, fmt.Errorf("send_buffer_size must be positive: %d", raw.SendBufferSize)
		}
		settings.HostSettings.SendBufferSize = raw.SendBufferSize
	}

	durations := []struct {
		key    string
		value  string
		target *time.Duration
	}{
		{"min_reconnect_timeout", raw.MinReconnectTimeout, &settings.HostSettings.MinReconnectTimeout},
		{"max_reconnect_timeout", raw.MaxReconnectTimeout, &settings.HostSettings.MaxReconnectTimeout},
		{"idle_timeout", raw.IdleTimeout, &settings.HostSettings.IdleTimeout},
		{"handshake_timeout", raw.HandshakeTimeout, &settings.HostSettings.WsHandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &settings.HostSettings.WriteTimeout},
		{"read_timeout", raw.ReadTimeout, &settings.HostSettings.ReadTimeout},
		{"ping_timeout", raw.PingTimeout, &settings.HostSettings.PingTimeout},
	}
	for _, duration := range durations {
		if !meta.IsDefined(duration.key) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(duration.value))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", duration.key, err)
		}
		*duration.target = d
	}

	if meta.IsDefined("protocols") {
		protocols := []string{}
		for _, protocol := range raw.Protocols {
			if v := strings.TrimSpace(protocol); v != "" {
				protocols = append(protocols, v)
			}
		}
		settings.HostSettings.Protocols = protocols
	}

	if meta.IsDefined("worker") {
		settings.Worker = raw.Worker
	}

	return settings, nil
}
