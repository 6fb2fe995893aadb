// Package config defines the configuration of a controller manager process: the handles it
// exposes, the controllers it can load and how it is served.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/ctrlmgr/controller"
	"go.viam.com/ctrlmgr/handle"
	"go.viam.com/ctrlmgr/handle/fake"
	"go.viam.com/ctrlmgr/logging"
)

// Defaults applied by Ensure.
const (
	DefaultUpdateRateHz  = 100.0
	MaxUpdateRateHz      = 1000.0
	DefaultBindAddress   = "localhost:8080"
	DefaultTaskRetention = 5 * time.Minute
	DefaultLogMaxSizeMB  = 10
)

// Config is the whole process configuration.
type Config struct {
	UpdateRateHz       float64             `json:"update_rate_hz"`
	Joints             []JointConfig       `json:"joints"`
	Gyros              []GyroConfig        `json:"gyros"`
	Controllers        []controller.Config `json:"controllers"`
	DefaultControllers []string            `json:"default_controllers"`
	Network            NetworkConfig       `json:"network"`
	Log                LogConfig           `json:"log"`
	TaskRetention      time.Duration       `json:"task_retention"`

	ConfigFilePath string `json:"-"`
}

// JointConfig describes one joint handle.
type JointConfig struct {
	Name        string  `json:"name"`
	Continuous  bool    `json:"continuous"`
	MinPosition float64 `json:"min_position"`
	MaxPosition float64 `json:"max_position"`
	MaxVelocity float64 `json:"max_velocity"`
	MaxEffort   float64 `json:"max_effort"`
	// InitialPosition only applies to the simulated plant.
	InitialPosition float64 `json:"initial_position"`
}

// Limits returns the command limits of the joint.
func (jc JointConfig) Limits() handle.Limits {
	return handle.Limits{
		MinPosition: jc.MinPosition,
		MaxPosition: jc.MaxPosition,
		MaxVelocity: jc.MaxVelocity,
		MaxEffort:   jc.MaxEffort,
	}
}

// GyroConfig describes one gyro handle.
type GyroConfig struct {
	Name string `json:"name"`
	// YawRate only applies to the simulated plant, in rad/s.
	YawRate float64 `json:"yaw_rate"`
}

// NetworkConfig describes how the HTTP API is served.
type NetworkConfig struct {
	BindAddress string `json:"bind_address"`
	CORS        bool   `json:"cors"`
}

// Validate ensures all parts of the config are valid.
func (nc *NetworkConfig) Validate(path string) error {
	if nc.BindAddress == "" {
		nc.BindAddress = DefaultBindAddress
	}
	if _, _, err := net.SplitHostPort(nc.BindAddress); err != nil {
		return utils.NewConfigValidationError(path, errors.Wrap(err, "error validating bind_address"))
	}
	return nil
}

// LogConfig describes where logs go.
type LogConfig struct {
	Level      string `json:"level"`
	File       string `json:"file"`
	MaxSizeMB  int    `json:"max_size_mb"`
	MaxBackups int    `json:"max_backups"`
}

// Validate ensures all parts of the config are valid.
func (lc *LogConfig) Validate(path string) error {
	if lc.Level == "" {
		lc.Level = logging.INFO.String()
	}
	if _, err := logging.LevelFromString(lc.Level); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if lc.MaxSizeMB < 0 || lc.MaxBackups < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_size_mb and max_backups cannot be negative"))
	}
	if lc.MaxSizeMB == 0 {
		lc.MaxSizeMB = DefaultLogMaxSizeMB
	}
	return nil
}

// LogLevel returns the parsed level. Only valid after Ensure.
func (lc LogConfig) LogLevel() logging.Level {
	level, err := logging.LevelFromString(lc.Level)
	if err != nil {
		return logging.INFO
	}
	return level
}

// FileConfig returns the rotating file appender config, or false if logging to a file is off.
func (lc LogConfig) FileConfig() (logging.FileConfig, bool) {
	if lc.File == "" {
		return logging.FileConfig{}, false
	}
	return logging.FileConfig{Path: lc.File, MaxSizeMB: lc.MaxSizeMB, MaxBackups: lc.MaxBackups}, true
}

// Ensure fills in defaults and ensures all parts of the config are valid.
func (c *Config) Ensure() error {
	switch {
	case c.UpdateRateHz == 0:
		c.UpdateRateHz = DefaultUpdateRateHz
	case c.UpdateRateHz < 0 || c.UpdateRateHz > MaxUpdateRateHz:
		return utils.NewConfigValidationError("update_rate_hz",
			errors.Errorf("must be above 0 and at most %v, got %v", MaxUpdateRateHz, c.UpdateRateHz))
	}
	if c.TaskRetention < 0 {
		return utils.NewConfigValidationError("task_retention", errors.New("cannot be negative"))
	}
	if c.TaskRetention == 0 {
		c.TaskRetention = DefaultTaskRetention
	}

	handles := map[string]struct{}{}
	for idx, jc := range c.Joints {
		path := fmt.Sprintf("%s.%d", "joints", idx)
		if err := checkUniqueName(path, jc.Name, handles); err != nil {
			return err
		}
		if jc.MaxVelocity < 0 || jc.MaxEffort < 0 {
			return utils.NewConfigValidationError(path, errors.New("max_velocity and max_effort cannot be negative"))
		}
	}
	for idx, gc := range c.Gyros {
		if err := checkUniqueName(fmt.Sprintf("%s.%d", "gyros", idx), gc.Name, handles); err != nil {
			return err
		}
	}

	controllers := map[string]struct{}{}
	for idx, cc := range c.Controllers {
		path := fmt.Sprintf("%s.%d", "controllers", idx)
		if err := checkUniqueName(path, cc.Name, controllers); err != nil {
			return err
		}
		if cc.Type == "" {
			return utils.NewConfigValidationFieldRequiredError(path, "type")
		}
	}
	for idx, name := range c.DefaultControllers {
		if _, ok := controllers[name]; !ok {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.%d", "default_controllers", idx),
				errors.Errorf("controller %q is not configured", name))
		}
	}

	if err := c.Network.Validate("network"); err != nil {
		return err
	}
	return c.Log.Validate("log")
}

func checkUniqueName(path, name string, seen map[string]struct{}) error {
	if name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if _, ok := seen[name]; ok {
		return utils.NewConfigValidationError(path, errors.Errorf("name %q is not unique", name))
	}
	seen[name] = struct{}{}
	return nil
}

// ControllerNames returns the configured controller names in order.
func (c *Config) ControllerNames() []string {
	names := make([]string, 0, len(c.Controllers))
	for _, cc := range c.Controllers {
		names = append(names, cc.Name)
	}
	return names
}

// Plant returns a simulated plant for the configured joints and gyros.
func (c *Config) Plant() *fake.Plant {
	joints := make([]fake.JointConfig, 0, len(c.Joints))
	for _, jc := range c.Joints {
		joints = append(joints, fake.JointConfig{
			Name:       jc.Name,
			Continuous: jc.Continuous,
			Limits:     jc.Limits(),
			Initial:    jc.InitialPosition,
		})
	}
	gyros := make([]fake.GyroConfig, 0, len(c.Gyros))
	for _, gc := range c.Gyros {
		gyros = append(gyros, fake.GyroConfig{Name: gc.Name, YawRate: gc.YawRate})
	}
	return fake.NewPlant(joints, gyros)
}
