package config

import (
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Config holds the settings for the pgconncli demonstration CLI (D6): how
// to reach the server, and where to expose the optional introspection
// endpoint.
type Config struct {
	Connection ConnectionConfig
	Debug      DebugConfig
}

// ConnectionConfig mirrors the subset of conn.Options a deployment
// typically wants to externalize.
type ConnectionConfig struct {
	Hostname  string
	Port      int
	Database  string
	Username  string
	Password  string
	SSL       bool
	CertFile  string
	KeyFile   string
	TimeoutMS int
}

// DebugConfig controls the optional D5 introspection server.
type DebugConfig struct {
	Listen string // empty disables the introspection server
}

// Load reads configuration from an INI file. A non-empty PGHOST, PGUSER,
// PGPASSWORD or PGDATABASE environment variable overrides the matching
// file value; this is the reverse of Options.WithDefaults, where an
// explicitly set field wins over the environment.
func Load(path string) (*Config, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, err
	}

	conn := cfg.Section("connection")
	debug := cfg.Section("debug")

	c := &Config{
		Connection: ConnectionConfig{
			Hostname:  conn.Key("hostname").MustString("localhost"),
			Port:      conn.Key("port").MustInt(5432),
			Database:  conn.Key("database").String(),
			Username:  conn.Key("username").String(),
			Password:  conn.Key("password").String(),
			SSL:       conn.Key("ssl").MustBool(false),
			CertFile:  conn.Key("cert_file").String(),
			KeyFile:   conn.Key("key_file").String(),
			TimeoutMS: conn.Key("timeout_ms").MustInt(0),
		},
		Debug: DebugConfig{
			Listen: debug.Key("listen").MustString(""),
		},
	}

	if v := os.Getenv("PGHOST"); v != "" {
		c.Connection.Hostname = v
	}
	if v := os.Getenv("PGUSER"); v != "" {
		c.Connection.Username = v
	}
	if v := os.Getenv("PGPASSWORD"); v != "" {
		c.Connection.Password = v
	}
	if v := os.Getenv("PGDATABASE"); v != "" {
		c.Connection.Database = v
	}

	return c, nil
}

// Timeout converts TimeoutMS into a time.Duration, zero meaning unbounded.
func (c ConnectionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
