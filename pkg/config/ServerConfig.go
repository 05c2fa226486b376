// Package config with the server configuration struct and methods
package config

import (
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// DefaultConfigName with the configuration file name of a labthings server
const DefaultConfigName = "labthings.yaml"

// DefaultSettingsFolder is the location of persisted Thing settings wrt the
// home folder
const DefaultSettingsFolder = "./settings"

// DefaultLogFolder is the location of log files wrt the home folder
const DefaultLogFolder = "./log"

// DefaultPort the server listens on
const DefaultPort = 8266

// DefaultServiceName used in DNS-SD announcements
const DefaultServiceName = "labthings"

// ServerConfig contains the configuration of one labthings server: where to
// listen, where Thing settings live, logging, and the optional integrations
// (CORS origins, DNS-SD discovery, MQTT event bridge, settings watching).
type ServerConfig struct {
	// Address to listen on. The default "" listens on all interfaces.
	Address string `yaml:"address,omitempty"`
	// Port to listen on. Default is DefaultPort. 0 picks a free port.
	Port int `yaml:"port"`
	// BaseURL overrides the advertised URL prefix of this server. The
	// default is derived from the listen address and port.
	BaseURL string `yaml:"baseUrl,omitempty"`

	// SettingsFolder holds one subfolder per Thing with its settings.json.
	// Default is {homeFolder}/settings.
	SettingsFolder string `yaml:"settingsFolder"`
	// WatchSettings reloads settings files edited outside the server
	WatchSettings bool `yaml:"watchSettings,omitempty"`

	LogLevel string `yaml:"logLevel"` // debug, info, warning, error. Default is warning
	LogFile  string `yaml:"logFile,omitempty"`

	// CorsOrigins restricts cross-origin requests. Empty allows all
	// origins, so local web clients work out of the box.
	CorsOrigins []string `yaml:"corsOrigins,omitempty"`

	// Discovery announces the server over DNS-SD on the local domain
	Discovery bool `yaml:"discovery,omitempty"`
	// ServiceName is the instance name used in announcements.
	// Default is DefaultServiceName.
	ServiceName string `yaml:"serviceName,omitempty"`

	// MqttBroker enables the MQTT event bridge when set, for example
	// tcp://localhost:1883
	MqttBroker string `yaml:"mqttBroker,omitempty"`
	// MqttClientID of the bridge connection. Default is the service name.
	MqttClientID string `yaml:"mqttClientId,omitempty"`

	// ThingConnections configures slot resolution explicitly:
	// thing name -> slot name -> a thing name, a list of names, or null.
	// Slots without an entry use their declared defaults or the automatic
	// type search.
	ThingConnections map[string]map[string]interface{} `yaml:"thingConnections,omitempty"`

	// HomeFolder against which relative paths in this file are resolved
	HomeFolder string `yaml:"homeFolder"`
}

// CreateServerConfig creates a ServerConfig with default values.
//
// homeFolder is the installation folder containing settings and logs.
// Use "" for the parent of the application binary; a relative path is
// resolved against the working directory.
func CreateServerConfig(homeFolder string) *ServerConfig {
	appBin, _ := os.Executable()
	binFolder := path.Dir(appBin)
	if homeFolder == "" {
		homeFolder = path.Dir(binFolder)
	} else if !path.IsAbs(homeFolder) {
		cwd, _ := os.Getwd()
		homeFolder = path.Join(cwd, homeFolder)
	}
	return &ServerConfig{
		Port:           DefaultPort,
		HomeFolder:     homeFolder,
		SettingsFolder: path.Join(homeFolder, DefaultSettingsFolder),
		LogLevel:       "warning",
		ServiceName:    DefaultServiceName,
	}
}

// AsMap returns a key-value map of the configuration.
// This simply converts the yaml to a map.
func (cfg *ServerConfig) AsMap() map[string]interface{} {
	kvMap := make(map[string]interface{})
	encoded, _ := yaml.Marshal(cfg)
	_ = yaml.Unmarshal(encoded, &kvMap)
	return kvMap
}

// Load loads and validates the configuration from file.
//
// The variable {homeFolder} can be used in path values and is substituted
// before parsing. Relative paths are resolved against the home folder.
//
// configFile is optional; the default is labthings.yaml in the home folder.
// A missing default file leaves the defaults in place.
func (cfg *ServerConfig) Load(configFile string) error {
	usingDefault := configFile == ""
	if usingDefault {
		configFile = path.Join(cfg.HomeFolder, DefaultConfigName)
	} else if !path.IsAbs(configFile) {
		configFile = path.Join(cfg.HomeFolder, configFile)
	}

	raw, err := os.ReadFile(configFile)
	if err != nil {
		if usingDefault && os.IsNotExist(err) {
			logrus.Infof("ServerConfig.Load: no config file at %s, using defaults", configFile)
			return cfg.Validate()
		}
		logrus.Errorf("ServerConfig.Load: cannot read config file %s: %s", configFile, err)
		return err
	}
	logrus.Infof("Using %s as server config file", configFile)

	substituted := strings.ReplaceAll(string(raw), "{homeFolder}", cfg.HomeFolder)
	if err = yaml.Unmarshal([]byte(substituted), cfg); err != nil {
		logrus.Errorf("ServerConfig.Load: config file %s does not parse: %s", configFile, err)
		return err
	}

	// make sure files and folders have an absolute path
	if !path.IsAbs(cfg.SettingsFolder) {
		cfg.SettingsFolder = path.Join(cfg.HomeFolder, cfg.SettingsFolder)
	}
	if cfg.LogFile != "" && !path.IsAbs(cfg.LogFile) {
		cfg.LogFile = path.Join(cfg.HomeFolder, DefaultLogFolder, cfg.LogFile)
	}
	return cfg.Validate()
}

// Validate checks the configuration and creates the settings folder when it
// is missing. Returns an error if the config is invalid.
func (cfg *ServerConfig) Validate() error {
	if _, err := os.Stat(cfg.HomeFolder); os.IsNotExist(err) {
		logrus.Errorf("Home folder '%s' not found", cfg.HomeFolder)
		return err
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		err := fmt.Errorf("port %d is out of range", cfg.Port)
		logrus.Errorf("ServerConfig.Validate: %s", err)
		return err
	}
	if err := os.MkdirAll(cfg.SettingsFolder, 0755); err != nil {
		logrus.Errorf("Cannot create settings folder '%s': %s", cfg.SettingsFolder, err)
		return err
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = DefaultServiceName
	}
	if cfg.MqttClientID == "" {
		cfg.MqttClientID = cfg.ServiceName
	}
	return nil
}
