// Package config owns the node agent's persisted configuration: the
// naming-service list, heartbeat/metric/hosts-file URIs, the hosts-fetch
// interval and the debug flag. It is the only persistence this agent has
// (spec §6, "Persisted state").
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Store is the persisted-state contract every package that needs a
// config value depends on, so tests can substitute an in-memory Store
// instead of touching a real file.
type Store interface {
	HeartbeatURI() string
	SetHeartbeatURI(uri string)
	MetricURI() string
	SetMetricURI(uri string)
	NamingServiceBases() []string
	HostsFileURI() string
	HostsFetchInterval() time.Duration
	Debug() bool
	// Save persists any SetXxx calls made since the Store was loaded or
	// last saved.
	Save() error
}

const (
	keyHeartbeatURI       = "heartbeat_uri"
	keyMetricURI          = "metric_uri"
	keyNamingServiceBases = "naming_service_bases"
	keyHostsFileURI       = "hosts_file_uri"
	keyHostsFetchInterval = "hosts_fetch_interval"
	keyDebug              = "debug"
)

// ViperStore is the default Store, backed by a viper instance bound to a
// config file (and, through viper, environment variables and flags).
type ViperStore struct {
	v *viper.Viper
}

// NewViperStore creates a Store that reads configPath if it exists and
// falls back to the defaults below otherwise. configPath is also where
// Save writes back to.
func NewViperStore(configPath string) (*ViperStore, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	v.SetDefault(keyHeartbeatURI, "")
	v.SetDefault(keyMetricURI, "")
	v.SetDefault(keyNamingServiceBases, []string{})
	v.SetDefault(keyHostsFileURI, "")
	v.SetDefault(keyHostsFetchInterval, 30*time.Second)
	v.SetDefault(keyDebug, false)

	v.SetEnvPrefix("NODEMANAGER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// An explicitly set config file that is missing surfaces as a
		// not-exist path error rather than ConfigFileNotFoundError.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	return &ViperStore{v: v}, nil
}

func (s *ViperStore) HeartbeatURI() string { return s.v.GetString(keyHeartbeatURI) }
func (s *ViperStore) SetHeartbeatURI(uri string) { s.v.Set(keyHeartbeatURI, uri) }

func (s *ViperStore) MetricURI() string { return s.v.GetString(keyMetricURI) }
func (s *ViperStore) SetMetricURI(uri string) { s.v.Set(keyMetricURI, uri) }

func (s *ViperStore) NamingServiceBases() []string { return s.v.GetStringSlice(keyNamingServiceBases) }

func (s *ViperStore) HostsFileURI() string { return s.v.GetString(keyHostsFileURI) }

func (s *ViperStore) HostsFetchInterval() time.Duration {
	return s.v.GetDuration(keyHostsFetchInterval)
}

func (s *ViperStore) Debug() bool { return s.v.GetBool(keyDebug) }

// Save writes the current in-memory config back to the file viper was
// pointed at, creating it if it does not exist yet.
func (s *ViperStore) Save() error {
	if err := s.v.WriteConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return s.v.SafeWriteConfig()
		}
		return errors.Wrap(err, "write config file")
	}
	return nil
}
