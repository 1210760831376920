// Package config loads the options the s2s-out dispatch engine and the
// DNS resolution chain consume, per the external-interfaces enumeration:
// local_secret, origin_ip, retry_limit, dns_min_ttl/dns_max_ttl,
// dns_bad_timeout, dns_cache_enabled, out_reuse, resolve_aaaa, lookup_srv.
package config

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/miekg/dns"
	"gopkg.in/yaml.v3"
)

// Config is the YAML-backed option set consumed by the dispatch engine and
// the DNS resolution chain.
type Config struct {
	// LocalSecret seeds the dialback key: SHA1(LocalSecret || remote || streamID).
	LocalSecret string `yaml:"local_secret"`

	// OriginIP is the source address used for outbound TCP connects. Empty
	// lets the kernel choose.
	OriginIP string `yaml:"origin_ip"`

	// RetryLimit bounds how long a route's queue may age before a dropped
	// connection is bounced instead of retried.
	RetryLimit time.Duration `yaml:"retry_limit"`

	DNSMinTTL     time.Duration `yaml:"dns_min_ttl"`
	DNSMaxTTL     time.Duration `yaml:"dns_max_ttl"`
	DNSBadTimeout time.Duration `yaml:"dns_bad_timeout"` // 0 disables bad-host suppression

	DNSCacheEnabled bool `yaml:"dns_cache_enabled"`
	OutReuse        bool `yaml:"out_reuse"`
	ResolveAAAA     bool `yaml:"resolve_aaaa"`

	// LookupSRV is the ordered list of SRV service prefixes queried for
	// every domain, e.g. "_xmpp-server._tcp", "_jabber._tcp".
	LookupSRV []string `yaml:"lookup_srv"`

	// DNSServers is the ordered list of upstream nameservers ("ip:port")
	// the resolution chain queries. Left empty, Load falls back to the
	// host's /etc/resolv.conf.
	DNSServers []string `yaml:"dns_servers"`

	// AdminListen is the admin HTTP+websocket surface's bind address.
	// Not part of spec.md's enumeration; added for the ambient admin server.
	AdminListen string `yaml:"admin_listen"`
}

// Default returns the configuration the dispatch engine falls back to when
// a value is left unset by the loaded file.
func Default() *Config {
	return &Config{
		RetryLimit:      86400 * time.Second,
		DNSMinTTL:       5 * time.Minute,
		DNSMaxTTL:       24 * time.Hour,
		DNSBadTimeout:   15 * time.Minute,
		DNSCacheEnabled: true,
		OutReuse:        true,
		ResolveAAAA:     true,
		LookupSRV:       []string{"_xmpp-server._tcp", "_jabber._tcp"},
		DNSServers:      SystemDNSServers(),
		AdminListen:     "127.0.0.1:5270",
	}
}

// Load reads and validates a YAML configuration from r, layering it over
// Default(). If the result names no DNSServers, it falls back to the host's
// /etc/resolv.conf; when that file is missing or lists no nameserver,
// DNSServers stays empty and Validate does not reject it.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if len(cfg.DNSServers) == 0 {
		cfg.DNSServers = SystemDNSServers()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SystemDNSServers reads /etc/resolv.conf via dns.ClientConfigFromFile and
// returns its nameservers as "ip:port" entries. A missing or unreadable
// file yields an empty slice rather than an error — the caller decides
// whether an empty DNSServers list is fatal.
func SystemDNSServers() []string {
	cc, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil
	}
	port := cc.Port
	if port == "" {
		port = "53"
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, port))
	}
	return servers
}

// LoadFile opens path and calls Load.
func LoadFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate enforces the invariants the dispatch engine and resolver assume
// hold for the lifetime of the process.
func (c *Config) Validate() error {
	if c.LocalSecret == "" {
		return fmt.Errorf("config: local_secret must not be empty")
	}
	if c.DNSMinTTL <= 0 || c.DNSMaxTTL <= 0 {
		return fmt.Errorf("config: dns_min_ttl and dns_max_ttl must be positive")
	}
	if c.DNSMinTTL > c.DNSMaxTTL {
		return fmt.Errorf("config: dns_min_ttl (%s) exceeds dns_max_ttl (%s)", c.DNSMinTTL, c.DNSMaxTTL)
	}
	if len(c.LookupSRV) == 0 {
		return fmt.Errorf("config: lookup_srv must name at least one SRV prefix")
	}
	return nil
}
