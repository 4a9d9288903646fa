// Package config loads process configuration for a sync-system node.
//
// Settings come from environment variables first (the historical source
// of truth for this system), optionally overlaid with a YAML manifest for
// operators who prefer a checked-in file over exported env vars. A field
// set in the file overrides the env/default value; fields the file leaves
// unset keep it.
//
// Example environment:
//
//	PORT=8001
//	NODE_ID=n1
//	ALL_NODES=http://localhost:8000,http://localhost:8001,http://localhost:8002
//	REDIS_HOST=redis
//	REDIS_PORT=6379
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a node in the cluster.
type Config struct {
	Port     int      `yaml:"port"`
	NodeID   string   `yaml:"node_id"`
	AllNodes []string `yaml:"all_nodes"`

	RedisHost string `yaml:"redis_host"`
	RedisPort int    `yaml:"redis_port"`

	// Peers is AllNodes minus the URL that matches Port. Derived, not
	// loaded directly.
	Peers []string `yaml:"-"`

	ElectionTimeoutMin time.Duration `yaml:"election_timeout_min"`
	ElectionTimeoutMax time.Duration `yaml:"election_timeout_max"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	CommitPollInterval time.Duration `yaml:"commit_poll_interval"`

	GrantWaitPollInterval time.Duration `yaml:"grant_wait_poll_interval"`
	GrantWaitMaxPolls     int           `yaml:"grant_wait_max_polls"`

	SettlingDelay time.Duration `yaml:"settling_delay"`

	PBFTByzantineThreshold int `yaml:"pbft_byzantine_threshold"`

	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout"`
}

// Default returns a Config populated with sensible cluster defaults:
// 2s/4s election timeout, 0.5s heartbeat, 100ms commit poll, 3s RPC
// deadline, 500ms broadcast deadline, 3s settling delay, a 5s
// (50 x 100ms) grant-wait poll, and a Byzantine threshold of 3.
func Default() *Config {
	return &Config{
		Port:                   8000,
		NodeID:                 "default_node",
		RedisHost:              "redis",
		RedisPort:              6379,
		ElectionTimeoutMin:     2 * time.Second,
		ElectionTimeoutMax:     4 * time.Second,
		HeartbeatInterval:      500 * time.Millisecond,
		CommitPollInterval:     100 * time.Millisecond,
		GrantWaitPollInterval:  100 * time.Millisecond,
		GrantWaitMaxPolls:      50,
		SettlingDelay:          3 * time.Second,
		PBFTByzantineThreshold: 3,
		RPCTimeout:             3 * time.Second,
		BroadcastTimeout:       500 * time.Millisecond,
	}
}

// LoadFromEnv loads configuration from environment variables, falling
// back to Default() for anything unset.
func LoadFromEnv() *Config {
	c := Default()

	c.Port = getEnvInt("PORT", c.Port)
	c.NodeID = getEnv("NODE_ID", c.NodeID)

	nodesStr := getEnv("ALL_NODES", fmt.Sprintf("http://localhost:%d", c.Port))
	c.AllNodes = parseCSV(nodesStr)

	c.RedisHost = getEnv("REDIS_HOST", c.RedisHost)
	c.RedisPort = getEnvInt("REDIS_PORT", c.RedisPort)

	c.ElectionTimeoutMin = getEnvDuration("SYNCD_ELECTION_TIMEOUT_MIN", c.ElectionTimeoutMin)
	c.ElectionTimeoutMax = getEnvDuration("SYNCD_ELECTION_TIMEOUT_MAX", c.ElectionTimeoutMax)
	c.HeartbeatInterval = getEnvDuration("SYNCD_HEARTBEAT_INTERVAL", c.HeartbeatInterval)
	c.PBFTByzantineThreshold = getEnvInt("SYNCD_PBFT_BYZANTINE_THRESHOLD", c.PBFTByzantineThreshold)

	c.derivePeers()
	return c
}

// LoadFromFile reads a YAML manifest and overlays it onto the env-derived
// config; any field the file leaves zero keeps the env/default value.
func LoadFromFile(path string, base *Config) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	overlay := &Config{}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	merged := *base
	if overlay.Port != 0 {
		merged.Port = overlay.Port
	}
	if overlay.NodeID != "" {
		merged.NodeID = overlay.NodeID
	}
	if len(overlay.AllNodes) > 0 {
		merged.AllNodes = overlay.AllNodes
	}
	if overlay.RedisHost != "" {
		merged.RedisHost = overlay.RedisHost
	}
	if overlay.RedisPort != 0 {
		merged.RedisPort = overlay.RedisPort
	}
	if overlay.ElectionTimeoutMin != 0 {
		merged.ElectionTimeoutMin = overlay.ElectionTimeoutMin
	}
	if overlay.ElectionTimeoutMax != 0 {
		merged.ElectionTimeoutMax = overlay.ElectionTimeoutMax
	}
	if overlay.HeartbeatInterval != 0 {
		merged.HeartbeatInterval = overlay.HeartbeatInterval
	}
	if overlay.CommitPollInterval != 0 {
		merged.CommitPollInterval = overlay.CommitPollInterval
	}
	if overlay.GrantWaitPollInterval != 0 {
		merged.GrantWaitPollInterval = overlay.GrantWaitPollInterval
	}
	if overlay.GrantWaitMaxPolls != 0 {
		merged.GrantWaitMaxPolls = overlay.GrantWaitMaxPolls
	}
	if overlay.SettlingDelay != 0 {
		merged.SettlingDelay = overlay.SettlingDelay
	}
	if overlay.PBFTByzantineThreshold != 0 {
		merged.PBFTByzantineThreshold = overlay.PBFTByzantineThreshold
	}
	if overlay.RPCTimeout != 0 {
		merged.RPCTimeout = overlay.RPCTimeout
	}
	if overlay.BroadcastTimeout != 0 {
		merged.BroadcastTimeout = overlay.BroadcastTimeout
	}
	merged.derivePeers()
	return &merged, nil
}

// derivePeers filters AllNodes down to every URL whose port does not
// match this node's own port (ports, not full URLs, decide self vs.
// peer).
func (c *Config) derivePeers() {
	c.Peers = c.Peers[:0]
	for _, node := range c.AllNodes {
		port, err := portOf(node)
		if err != nil || port != c.Port {
			c.Peers = append(c.Peers, node)
		}
	}
}

// Validate checks that the configuration is usable and derives Peers
// from AllNodes and Port, so a Config assembled field by field gets the
// same Peers as one returned by LoadFromEnv or LoadFromFile.
func (c *Config) Validate() error {
	if c.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if len(c.AllNodes) == 0 {
		return fmt.Errorf("all_nodes must not be empty")
	}
	if c.Port <= 0 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.ElectionTimeoutMin <= 0 || c.ElectionTimeoutMax <= c.ElectionTimeoutMin {
		return fmt.Errorf("election_timeout_min must be positive and less than election_timeout_max")
	}
	c.derivePeers()
	return nil
}

// N returns the total node count, |all_nodes|.
func (c *Config) N() int {
	return len(c.AllNodes)
}

// URLForNodeID finds the AllNodes entry whose URL contains nodeID:
// node_id is expected to be a substring of its own URL (e.g. a hostname).
func (c *Config) URLForNodeID(nodeID string) (string, bool) {
	if nodeID == "" {
		return "", false
	}
	for _, node := range c.AllNodes {
		if strings.Contains(node, nodeID) {
			return node, true
		}
	}
	return "", false
}

// SelfURL returns this node's own entry in AllNodes (the one Peers
// excludes), for callers that need to derive an identity from it rather
// than from NodeID. PBFT's primary selection works off hostnames pulled
// from the URL list.
func (c *Config) SelfURL() (string, error) {
	for _, node := range c.AllNodes {
		port, err := portOf(node)
		if err == nil && port == c.Port {
			return node, nil
		}
	}
	return "", fmt.Errorf("no entry in all_nodes matches this node's port %d", c.Port)
}

// HostOf extracts the hostname portion of a node URL, e.g.
// "http://node1:8001" -> "node1".
func HostOf(rawURL string) (string, error) {
	rest := rawURL
	if idx := strings.Index(rest, "//"); idx >= 0 {
		rest = rest[idx+2:]
	}
	if idx := strings.Index(rest, ":"); idx >= 0 {
		rest = rest[:idx]
	}
	if rest == "" {
		return "", fmt.Errorf("no host in %q", rawURL)
	}
	return rest, nil
}

func portOf(url string) (int, error) {
	idx := strings.LastIndex(url, ":")
	if idx < 0 {
		return 0, fmt.Errorf("no port in %q", url)
	}
	return strconv.Atoi(url[idx+1:])
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
