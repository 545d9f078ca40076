package main

import (
	"context"
	"encoding/hex"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/loralink"
	"github.com/outofforest/loralink/packet"
	"github.com/outofforest/loralink/peers"
	"github.com/outofforest/loralink/radio/ether"
	"github.com/outofforest/loralink/radio/rn2xx3"
)

// NodeConfig is the YAML configuration of the node.
type NodeConfig struct {
	Mode            loralink.Mode            `yaml:"mode"`
	Gateway         bool                     `yaml:"gateway"`
	Address         uint8                    `yaml:"address"`
	HardwareID      string                   `yaml:"hardware_id"`
	SpreadingFactor loralink.SpreadingFactor `yaml:"spreading_factor"`
	Key             string                   `yaml:"key"`
	MTU             int                      `yaml:"mtu"`
	MaxRetry        int                      `yaml:"max_retry"`
	Driver          DriverConfig             `yaml:"driver"`
}

// DriverConfig selects the radio driver. Exactly one section must be set.
type DriverConfig struct {
	Ether  *EtherConfig  `yaml:"ether"`
	RN2xx3 *RN2xx3Config `yaml:"rn2xx3"`
}

// EtherConfig configures the simulated radio.
type EtherConfig struct {
	Hub string `yaml:"hub"`
	SNR int8   `yaml:"snr"`
}

// RN2xx3Config configures the serial modem.
type RN2xx3Config struct {
	Device string `yaml:"device"`
	Baud   int    `yaml:"baud"`
}

// Load reads the node configuration from the YAML file.
func Load(path string) (NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return NodeConfig{}, errors.Wrapf(err, "reading config %s failed", path)
	}

	cfg := NodeConfig{
		Mode:            loralink.ModeNetwork,
		SpreadingFactor: loralink.DefaultSpreadingFactor,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return NodeConfig{}, errors.Wrapf(err, "parsing config %s failed", path)
	}

	if (cfg.Driver.Ether == nil) == (cfg.Driver.RN2xx3 == nil) {
		return NodeConfig{}, errors.New("exactly one driver must be configured")
	}
	return cfg, nil
}

// LinkConfig converts node configuration to link configuration.
func (c NodeConfig) LinkConfig() (loralink.Config, error) {
	config := loralink.Config{
		Mode:            c.Mode,
		Gateway:         c.Gateway,
		Address:         packet.Address(c.Address),
		SpreadingFactor: c.SpreadingFactor,
		MTU:             c.MTU,
		MaxRetry:        c.MaxRetry,
	}

	var err error
	if c.HardwareID != "" {
		config.HardwareID, err = peers.ParseHardwareID(c.HardwareID)
	} else {
		// Link and radio must announce the same hardware ID.
		config.HardwareID, err = peers.RandomHardwareID()
	}
	if err != nil {
		return loralink.Config{}, err
	}
	if c.Key != "" {
		key, err := hex.DecodeString(c.Key)
		if err != nil {
			return loralink.Config{}, errors.Wrap(err, "invalid encryption key")
		}
		config.EncryptionKey = key
	}

	return config, nil
}

// Radio is the driver run next to the link.
type Radio interface {
	loralink.Driver
	Run(ctx context.Context) error
}

// NewRadio creates the configured driver.
func (c NodeConfig) NewRadio(hw peers.HardwareID) (Radio, error) {
	if c.Driver.Ether != nil {
		return ether.NewRadio(ether.RadioConfig{
			Hub:        c.Driver.Ether.Hub,
			HardwareID: hw,
			SNR:        c.Driver.Ether.SNR,
		})
	}
	return rn2xx3.Open(rn2xx3.Config{
		Device: c.Driver.RN2xx3.Device,
		Baud:   c.Driver.RN2xx3.Baud,
	})
}
