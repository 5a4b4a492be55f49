package config

import (
	"fmt"
	"time"
)

// configFile mirrors Config for JSON input. Pointer fields distinguish an
// absent key from a zero value, and durations are strings.
type configFile struct {
	Database *struct {
		Path           *string `json:"path"`
		MaxConnections *int    `json:"max_connections"`
		WriteTimeout   *string `json:"write_timeout"`
		BusyRetries    *int    `json:"busy_retries"`
	} `json:"database"`
	HTTP *struct {
		Host            *string `json:"host"`
		Port            *int    `json:"port"`
		ReadTimeout     *string `json:"read_timeout"`
		WriteTimeout    *string `json:"write_timeout"`
		ShutdownTimeout *string `json:"shutdown_timeout"`
		TrustedProxies  *string `json:"trusted_proxies"`
		PublicBaseURL   *string `json:"public_base_url"`
		MediaURL        *string `json:"media_url"`
	} `json:"http"`
	WebSocket *struct {
		AllowedOrigins *string `json:"allowed_origins"`
		PingInterval   *string `json:"ping_interval"`
		PongWait       *string `json:"pong_wait"`
		WriteTimeout   *string `json:"write_timeout"`
		SendBuffer     *int    `json:"send_buffer"`
		EventBuffer    *int    `json:"event_buffer"`
		ReadLimit      *int64  `json:"read_limit"`
		ConnectLimit   *int    `json:"connect_limit"`
		ConnectWindow  *string `json:"connect_window"`
	} `json:"websocket"`
	Redis *struct {
		URL      *string `json:"url"`
		Addr     *string `json:"addr"`
		Password *string `json:"password"`
		DB       *int    `json:"db"`
		PoolSize *int    `json:"pool_size"`
		Prefix   *string `json:"prefix"`
	} `json:"redis"`
	Auth *struct {
		Secret           *string `json:"secret"`
		Issuer           *string `json:"issuer"`
		DirectSalt       *string `json:"direct_salt"`
		ActivityInterval *string `json:"activity_interval"`
	} `json:"auth"`
	Chat *struct {
		IdleTimeout      *string `json:"idle_timeout"`
		PollInterval     *string `json:"poll_interval"`
		MaxMessageLength *int    `json:"max_message_length"`
		RateLimit        *int    `json:"rate_limit"`
		RateWindow       *string `json:"rate_window"`
		SlugPattern      *string `json:"slug_pattern"`
		DirectRetries    *int    `json:"direct_retries"`
	} `json:"chat"`
	Inbox *struct {
		Heartbeat   *string `json:"heartbeat"`
		IdleTimeout *string `json:"idle_timeout"`
		ActiveTTL   *string `json:"active_ttl"`
		UnreadTTL   *string `json:"unread_ttl"`
	} `json:"inbox"`
	Presence *struct {
		TTL           *string `json:"ttl"`
		Grace         *string `json:"grace"`
		CacheTTL      *string `json:"cache_ttl"`
		Heartbeat     *string `json:"heartbeat"`
		IdleTimeout   *string `json:"idle_timeout"`
		TouchInterval *string `json:"touch_interval"`
	} `json:"presence"`
	Log *struct {
		Level  *string `json:"level"`
		Format *string `json:"format"`
	} `json:"log"`
}

func (f *configFile) apply(cfg *Config) error {
	var d durations
	if s := f.Database; s != nil {
		set(&cfg.Database.Path, s.Path)
		set(&cfg.Database.MaxConnections, s.MaxConnections)
		d.set(&cfg.Database.WriteTimeout, s.WriteTimeout, "database.write_timeout")
		set(&cfg.Database.BusyRetries, s.BusyRetries)
	}
	if s := f.HTTP; s != nil {
		set(&cfg.HTTP.Host, s.Host)
		set(&cfg.HTTP.Port, s.Port)
		d.set(&cfg.HTTP.ReadTimeout, s.ReadTimeout, "http.read_timeout")
		d.set(&cfg.HTTP.WriteTimeout, s.WriteTimeout, "http.write_timeout")
		d.set(&cfg.HTTP.ShutdownTimeout, s.ShutdownTimeout, "http.shutdown_timeout")
		set(&cfg.HTTP.TrustedProxies, s.TrustedProxies)
		set(&cfg.HTTP.PublicBaseURL, s.PublicBaseURL)
		set(&cfg.HTTP.MediaURL, s.MediaURL)
	}
	if s := f.WebSocket; s != nil {
		set(&cfg.WebSocket.AllowedOrigins, s.AllowedOrigins)
		d.set(&cfg.WebSocket.PingInterval, s.PingInterval, "websocket.ping_interval")
		d.set(&cfg.WebSocket.PongWait, s.PongWait, "websocket.pong_wait")
		d.set(&cfg.WebSocket.WriteTimeout, s.WriteTimeout, "websocket.write_timeout")
		set(&cfg.WebSocket.SendBuffer, s.SendBuffer)
		set(&cfg.WebSocket.EventBuffer, s.EventBuffer)
		set(&cfg.WebSocket.ReadLimit, s.ReadLimit)
		set(&cfg.WebSocket.ConnectLimit, s.ConnectLimit)
		d.set(&cfg.WebSocket.ConnectWindow, s.ConnectWindow, "websocket.connect_window")
	}
	if s := f.Redis; s != nil {
		set(&cfg.Redis.URL, s.URL)
		set(&cfg.Redis.Addr, s.Addr)
		set(&cfg.Redis.Password, s.Password)
		set(&cfg.Redis.DB, s.DB)
		set(&cfg.Redis.PoolSize, s.PoolSize)
		set(&cfg.Redis.Prefix, s.Prefix)
	}
	if s := f.Auth; s != nil {
		set(&cfg.Auth.Secret, s.Secret)
		set(&cfg.Auth.Issuer, s.Issuer)
		set(&cfg.Auth.DirectSalt, s.DirectSalt)
		d.set(&cfg.Auth.ActivityInterval, s.ActivityInterval, "auth.activity_interval")
	}
	if s := f.Chat; s != nil {
		d.set(&cfg.Chat.IdleTimeout, s.IdleTimeout, "chat.idle_timeout")
		d.set(&cfg.Chat.PollInterval, s.PollInterval, "chat.poll_interval")
		set(&cfg.Chat.MaxMessageLength, s.MaxMessageLength)
		set(&cfg.Chat.RateLimit, s.RateLimit)
		d.set(&cfg.Chat.RateWindow, s.RateWindow, "chat.rate_window")
		set(&cfg.Chat.SlugPattern, s.SlugPattern)
		set(&cfg.Chat.DirectRetries, s.DirectRetries)
	}
	if s := f.Inbox; s != nil {
		d.set(&cfg.Inbox.Heartbeat, s.Heartbeat, "inbox.heartbeat")
		d.set(&cfg.Inbox.IdleTimeout, s.IdleTimeout, "inbox.idle_timeout")
		d.set(&cfg.Inbox.ActiveTTL, s.ActiveTTL, "inbox.active_ttl")
		d.set(&cfg.Inbox.UnreadTTL, s.UnreadTTL, "inbox.unread_ttl")
	}
	if s := f.Presence; s != nil {
		d.set(&cfg.Presence.TTL, s.TTL, "presence.ttl")
		d.set(&cfg.Presence.Grace, s.Grace, "presence.grace")
		d.set(&cfg.Presence.CacheTTL, s.CacheTTL, "presence.cache_ttl")
		d.set(&cfg.Presence.Heartbeat, s.Heartbeat, "presence.heartbeat")
		d.set(&cfg.Presence.IdleTimeout, s.IdleTimeout, "presence.idle_timeout")
		d.set(&cfg.Presence.TouchInterval, s.TouchInterval, "presence.touch_interval")
	}
	if s := f.Log; s != nil {
		set(&cfg.Log.Level, s.Level)
		set(&cfg.Log.Format, s.Format)
	}
	return d.err
}

func set[T any](dst *T, src *T) {
	if src != nil {
		*dst = *src
	}
}

// durations parses duration strings and keeps the first failure.
type durations struct {
	err error
}

func (d *durations) set(dst *time.Duration, src *string, key string) {
	if src == nil || d.err != nil {
		return
	}
	v, err := time.ParseDuration(*src)
	if err != nil {
		d.err = fmt.Errorf("%w for %s: %q", ErrInvalidDuration, key, *src)
		return
	}
	*dst = v
}
