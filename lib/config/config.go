/*
Copyright 2020 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package config loads the daemon's on-disk configuration: one YAML
// document describing its listeners, the escaper graph, the resolver
// chain, the auditor pipeline and the log/metrics sinks (spec.md §4.8
// "Configuration"). Every section follows the same checkAndSetDefaults
// idiom the rest of this engine uses for typed runtime configs.
package config

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"gopkg.in/yaml.v3"
)

// Config is the root of the on-disk document.
type Config struct {
	Log       LogConfig                `yaml:"log"`
	Servers   []ServerConfig           `yaml:"server"`
	Escapers  []EscaperConfig          `yaml:"escaper"`
	Resolvers []ResolverConfig         `yaml:"resolver"`
	Auditors  []AuditorConfig          `yaml:"auditor"`
	Users     []UserGroupConfig        `yaml:"user_group"`
	Control   ControlConfig            `yaml:"control"`
}

// LogConfig configures the structured log channels of lib/logs.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func (c *LogConfig) checkAndSetDefaults() error {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
	return nil
}

// ServerConfig declares one listener and the front end it runs
// (spec.md §4.1). EscaperName picks the entry node of the escaper graph
// this listener dials through.
type ServerConfig struct {
	Name  string `yaml:"name"`
	// Group names the server group this listener belongs to, selected at
	// startup with `-G` so one config file can describe several
	// independently-runnable instances (spec.md "CLI" section).
	Group             string        `yaml:"group"`
	Type              string        `yaml:"type"` // http_proxy, https_forward, easy_proxy, ftp_over_http, masque, socks_proxy, tls_stream, sni_proxy, tcp_stream
	Listen            string        `yaml:"listen"`
	EscaperName       string        `yaml:"escaper"`
	UseProxyProtocol  bool          `yaml:"use_proxy_protocol"`
	EchoProxyProtocol bool          `yaml:"echo_proxy_protocol"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	EnableUDPAssociate bool         `yaml:"enable_udp_associate"`
	// UDPConnectOnly pins every UDP-ASSOCIATE session on this listener to
	// the single destination named at association time (spec.md §3's
	// simplified UDP-CONNECT variant, task.SocksUDPConnect) instead of
	// the general per-datagram UDP-ASSOCIATE behavior.
	UDPConnectOnly bool   `yaml:"udp_connect_only"`
	AuditorName    string `yaml:"auditor"`
	// UserGroupName selects the user_group (if any) this listener
	// authenticates and enforces ACLs/quotas against (spec.md §4.5).
	UserGroupName string `yaml:"user_group"`
	// TCPSocketBytesPerSecond caps per-connection relay throughput
	// (spec.md §4.6 "rate limiting"); zero means unlimited.
	TCPSocketBytesPerSecond int `yaml:"tcp_socket_bytes_per_second"`
	// TLSCertFile/TLSKeyFile provide the server certificate for the
	// masque listener type; unused by every other server type, which
	// instead gets its TLS material from the matching auditor.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

func (c *ServerConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("server requires a name")
	}
	if c.Listen == "" {
		return trace.BadParameter("server %q requires a listen address", c.Name)
	}
	switch c.Type {
	case "http_proxy", "https_forward", "easy_proxy", "ftp_over_http", "masque",
		"socks_proxy", "tls_stream", "sni_proxy", "tcp_stream":
	case "":
		return trace.BadParameter("server %q requires a type", c.Name)
	default:
		return trace.BadParameter("server %q has unknown type %q", c.Name, c.Type)
	}
	if c.Type == "masque" && (c.TLSCertFile == "" || c.TLSKeyFile == "") {
		return trace.BadParameter("server %q of type masque requires tls_cert_file and tls_key_file", c.Name)
	}
	if c.EscaperName == "" {
		return trace.BadParameter("server %q requires an escaper", c.Name)
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	return nil
}

// EscaperConfig declares one node of the escaper graph (spec.md §4.2).
// Kind selects the implementation; Params carries kind-specific fields
// as a raw YAML mapping, decoded by the builder that turns Config into
// a running escaper.Graph.
type EscaperConfig struct {
	Name   string    `yaml:"name"`
	Kind   string    `yaml:"type"`
	Params yaml.Node `yaml:"params"`
}

func (c *EscaperConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("escaper requires a name")
	}
	if c.Kind == "" {
		return trace.BadParameter("escaper %q requires a type", c.Name)
	}
	return nil
}

// ResolverConfig declares one resolver driver (spec.md §4.3).
type ResolverConfig struct {
	Name    string        `yaml:"name"`
	Kind    string        `yaml:"type"` // c-ares (default), hickory (alias of c-ares), deny-all
	Servers []string      `yaml:"servers"`
	Timeout time.Duration `yaml:"timeout"`
}

func (c *ResolverConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("resolver requires a name")
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	return nil
}

// AuditorConfig declares one interception pipeline (spec.md §4.4). When
// CertGeneratorURL is empty, certificates are minted in-process by a CA
// loaded from CACertFile/CAKeyFile, or by an ephemeral self-signed CA
// generated at startup when those are also empty (dev/test only).
type AuditorConfig struct {
	Name             string `yaml:"name"`
	IcapReqmodURL    string `yaml:"icap_reqmod_url"`
	IcapRespmodURL   string `yaml:"icap_respmod_url"`
	Bypass           bool   `yaml:"bypass"`
	CertGeneratorURL string `yaml:"cert_generator_url"`
	CACertFile       string `yaml:"ca_cert_file"`
	CAKeyFile        string `yaml:"ca_key_file"`
	CertCacheCapacity int   `yaml:"cert_cache_capacity"`
}

func (c *AuditorConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("auditor requires a name")
	}
	return nil
}

// UserGroupConfig declares one user/group ACL and quota set (spec.md
// §4.5), loaded by lib/user. AllowedDomains/AllowedSubnets/PortACL
// describe the group's anonymous catch-all user, applied whenever a
// client presents no credential; Users adds named, credentialed users
// on top of it.
type UserGroupConfig struct {
	Name           string             `yaml:"name"`
	AllowedDomains []string           `yaml:"allowed_domains"`
	AllowedSubnets []string           `yaml:"allowed_subnets"`
	PortACL        string             `yaml:"port_acl"` // comma-separated list of permitted ports
	Users          []StaticUserConfig `yaml:"users"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
	CacheFile       string            `yaml:"cache_file"`
	SourcePath      string            `yaml:"source_path"` // dynamic JSON-file source, spec.md §4.5
}

func (c *UserGroupConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("user_group requires a name")
	}
	for i := range c.Users {
		if err := c.Users[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	return nil
}

// StaticUserConfig declares one credentialed user within a user_group
// (spec.md §4.5 "static users").
type StaticUserConfig struct {
	Name                    string   `yaml:"name"`
	CredentialKind          string   `yaml:"credential_kind"` // md5, sha1, crypt
	CredentialHash          string   `yaml:"credential_hash"`
	AllowedDomains          []string `yaml:"allowed_domains"`
	AllowedSubnets          []string `yaml:"allowed_subnets"`
	PortACL                 string   `yaml:"port_acl"`
	TCPSocketBytesPerSecond int      `yaml:"tcp_socket_bytes_per_second"`
	RequestsPerSecond       float64  `yaml:"requests_per_second"`
	RequestBurst            int      `yaml:"request_burst"`
	MaxAliveRequests        int      `yaml:"max_alive_requests"`
}

func (c *StaticUserConfig) checkAndSetDefaults() error {
	if c.Name == "" {
		return trace.BadParameter("static user requires a name")
	}
	return nil
}

// ControlConfig configures the control-plane socket (lib/control).
type ControlConfig struct {
	SocketPath string `yaml:"socket_path"`
}

func (c *ControlConfig) checkAndSetDefaults() error {
	if c.SocketPath == "" {
		c.SocketPath = "/run/g3proxy/control.sock"
	}
	return nil
}

// CheckAndSetDefaults validates every section and fills in defaults,
// the way every typed runtime config elsewhere in this engine does.
func (c *Config) CheckAndSetDefaults() error {
	if err := c.Log.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	if err := c.Control.checkAndSetDefaults(); err != nil {
		return trace.Wrap(err)
	}
	names := make(map[string]bool, len(c.Escapers))
	for i := range c.Escapers {
		if err := c.Escapers[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if names[c.Escapers[i].Name] {
			return trace.BadParameter("duplicate escaper name %q", c.Escapers[i].Name)
		}
		names[c.Escapers[i].Name] = true
	}
	for i := range c.Resolvers {
		if err := c.Resolvers[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	for i := range c.Auditors {
		if err := c.Auditors[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	for i := range c.Users {
		if err := c.Users[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
	}
	escaperNames := names
	for i := range c.Servers {
		if err := c.Servers[i].checkAndSetDefaults(); err != nil {
			return trace.Wrap(err)
		}
		if !escaperNames[c.Servers[i].EscaperName] {
			return trace.BadParameter("server %q references unknown escaper %q", c.Servers[i].Name, c.Servers[i].EscaperName)
		}
	}
	return nil
}

// Load reads, env-interpolates and parses the YAML document at path.
// Interpolation is a plain os.ExpandEnv pass over the raw bytes before
// YAML parsing, matching the "${VAR}" substitution spec.md §4.8
// documents for secrets (ICAP credentials, CA keys) that shouldn't be
// committed to the config file itself.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, trace.Wrap(err)
	}
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &cfg, nil
}
