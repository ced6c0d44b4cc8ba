// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package muep

import (
	"fmt"
	"log"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

const minHeartbeatPeriod = 5 * time.Second

// Config is the validated, immutable-after-load configuration for the
// manager. It is ordinarily loaded from a YAML file on disk via
// LoadConfig, but can also be constructed directly by tests.
type Config struct {
	HeartbeatPeriodS    float64 `json:"heartbeat_period_s"`
	HeartbeatThresholdS float64 `json:"heartbeat_threshold_s"`

	IdentityMappingConfigPath string `json:"identity_mapping_config_path"`

	MUChildEPGracePeriodS float64 `json:"mu_child_ep_grace_period_s"`
	ForceMUAllowSameUser  bool    `json:"force_mu_allow_same_user"`

	FuncxServiceAddress string `json:"funcx_service_address"`
	Environment         string `json:"environment"`
	AMQPPort            int    `json:"amqp_port"`

	ChildBinary string `json:"child_binary"`

	ConfDir string `json:"-"`

	// cqsOverride/rpOverride are a test seam only: they let tests override
	// the transport construction for the command queue subscriber and
	// result publisher without touching the registration round-trip.
	// Never exposed through the YAML schema.
	cqsOverride func(QueueInfo) (CommandQueueSubscriber, error)
	rpOverride  func(QueueInfo) (ResultPublisher, error)
}

// DefaultChildBinary is exec'd as argv[0] of every user endpoint unless
// overridden by Config.ChildBinary.
const DefaultChildBinary = "globus-compute-endpoint"

// LoadConfig reads and validates a Config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	cfg := &Config{
		HeartbeatPeriodS:      30,
		HeartbeatThresholdS:   120,
		MUChildEPGracePeriodS: 30,
		ChildBinary:           DefaultChildBinary,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.ChildBinary == "" {
		c.ChildBinary = DefaultChildBinary
	}
	if c.MUChildEPGracePeriodS <= 0 {
		c.MUChildEPGracePeriodS = 30
	}
}

// HeartbeatPeriod is heartbeat_period_effective from the spec:
// max(5s, config.heartbeat_period).
func (c *Config) HeartbeatPeriod() time.Duration {
	d := time.Duration(c.HeartbeatPeriodS * float64(time.Second))
	if d < minHeartbeatPeriod {
		return minHeartbeatPeriod
	}
	return d
}

// GracePeriod is the TTL for cached start arguments.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.MUChildEPGracePeriodS * float64(time.Second))
}

// NewCommandQueueSubscriber builds the command-queue transport for
// info, using cqsOverride in place of the real AMQP subscriber when a
// test has set one.
func (c *Config) NewCommandQueueSubscriber(info QueueInfo, bufSize int, logger *log.Logger) (CommandQueueSubscriber, error) {
	if c.cqsOverride != nil {
		return c.cqsOverride(info)
	}
	return NewAMQPCommandQueueSubscriber(info, bufSize, logger), nil
}

// NewResultPublisher builds the result-queue transport for info, using
// rpOverride in place of the real AMQP publisher when a test has set
// one.
func (c *Config) NewResultPublisher(info QueueInfo, logger *log.Logger) (ResultPublisher, error) {
	if c.rpOverride != nil {
		return c.rpOverride(info)
	}
	return NewAMQPResultPublisher(info, logger), nil
}

// CommandFreshnessWindow is the clock-skew gate applied to incoming
// command timestamps; fixed by the spec at 180 seconds.
const CommandFreshnessWindow = 180 * time.Second
