package config

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
)

// DefaultPort is the broker's default listen port.
const DefaultPort = 6747

type Config struct {
	// NodeName identifies this broker inside a cluster. Defaults to the
	// lowercase hostname. Replicated messages carry it as their origin.
	NodeName      string `json:"node_name"`
	ListenAddress string `json:"listen_address"`
	ListenPort    int    `json:"listen_port"`
	// ClusterNodes lists every broker of the cluster as host:port. The list
	// must be identical on all nodes for healthy replication. Entries
	// matching this node are skipped when dialing peers.
	ClusterNodes []string `json:"cluster_nodes"`
	// AllowedReplicants are additional identities (hostname or IP) granted
	// monitor privilege without being full replication peers.
	AllowedReplicants []string `json:"allowed_replicants"`
	// NoSelfDelivery suppresses delivery of a published message back to the
	// publishing session even when it subscribes to the target queue.
	NoSelfDelivery bool   `json:"no_self_delivery"`
	MetricsPort    int    `json:"metrics_port"`
	DebugMode      bool   `json:"debug_mode"`
	AppName        string `json:"app_name"`
}

var config Config
var initialized = false

func applyDefaults(c *Config) {
	if c.NodeName == "" {
		if host, err := os.Hostname(); err == nil {
			c.NodeName = strings.ToLower(host)
		} else {
			c.NodeName = "coremq"
		}
	}
	if c.ListenAddress == "" {
		c.ListenAddress = "0.0.0.0"
	}
	if c.ListenPort == 0 {
		c.ListenPort = DefaultPort
	}
	if c.AppName == "" {
		c.AppName = "coremq"
	}
}

// ReadConfigFile loads the broker configuration from the given path. A missing
// file is created as an empty template so the operator can edit it.
func ReadConfigFile(path string) (Config, error) {
	bytes, err := os.ReadFile(path)

	if err != nil {
		writer, _ := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		data, _ := json.MarshalIndent(config, "", "\t")
		_, _ = writer.Write(data)
		_ = writer.Close()
		return config, errors.New("the configuration file does not exist and has been created. Please try again after editing the configuration file")
	}

	err = json.Unmarshal(bytes, &config)

	if err != nil {
		return config, errors.New("the configuration file does not contain valid JSON")
	}

	applyDefaults(&config)
	initialized = true
	return config, nil
}

func ReadConfig() (Config, error) {
	return ReadConfigFile("config.json")
}

func GetConfig() (Config, error) {
	if initialized {
		return config, nil
	}
	return ReadConfig()
}

// Set replaces the process configuration without touching the file system.
// Used by tests and embedders.
func Set(c Config) Config {
	applyDefaults(&c)
	config = c
	initialized = true
	return config
}
