package servicedef

import (
	"fmt"
	"os"

	"gopkg.in/launchdarkly/go-sdk-common.v2/ldvalue"
	"gopkg.in/yaml.v3"
)

// SuiteConfig is the declarative list of processes that a test run needs.
//
// Example:
//
//	services:
//	  - name: identity
//	    serverType: identityServer
//	    serverName: Fake Identity Server
//	    port: 8092
//	    behavior:
//	      tokenResponses:
//	        refresh_token: {access_token: abc, expires_in: 60}
//	  - name: gateway
//	    serverType: apiGateway
//	    port: 8093
type SuiteConfig struct {
	Services []MockServiceConfig
}

type yamlSuiteConfig struct {
	Services []yamlServiceConfig `yaml:"services"`
}

type yamlServiceConfig struct {
	Name           string                 `yaml:"name"`
	Host           string                 `yaml:"host"`
	Port           int                    `yaml:"port"`
	ServerType     string                 `yaml:"serverType"`
	ServerName     string                 `yaml:"serverName"`
	Behavior       map[string]interface{} `yaml:"behavior"`
	Command        []string               `yaml:"command"`
	Env            map[string]string      `yaml:"env"`
	ReadyTimeoutMS *int                   `yaml:"readyTimeoutMs"`
}

// LoadSuiteConfig reads a YAML suite configuration file.
func LoadSuiteConfig(path string) (SuiteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return SuiteConfig{}, err
	}
	config, err := ParseSuiteConfig(data)
	if err != nil {
		return SuiteConfig{}, fmt.Errorf("invalid suite config %s: %w", path, err)
	}
	return config, nil
}

// ParseSuiteConfig parses and validates YAML suite configuration data.
func ParseSuiteConfig(data []byte) (SuiteConfig, error) {
	var raw yamlSuiteConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return SuiteConfig{}, err
	}
	var ret SuiteConfig
	seen := make(map[string]bool)
	for _, s := range raw.Services {
		c := MockServiceConfig{
			Name:       s.Name,
			Host:       s.Host,
			Port:       s.Port,
			ServerType: s.ServerType,
			ServerName: s.ServerName,
			Command:    s.Command,
			Env:        s.Env,
		}
		if c.Host == "" {
			c.Host = "localhost"
		}
		if c.ServerName == "" {
			c.ServerName = c.Name
		}
		if s.Behavior != nil {
			c.Behavior = ldvalue.CopyArbitraryValue(s.Behavior)
		}
		if s.ReadyTimeoutMS != nil {
			c.ReadyTimeoutMS = ldvalue.NewOptionalInt(*s.ReadyTimeoutMS)
		}
		if err := c.Validate(); err != nil {
			return SuiteConfig{}, err
		}
		if seen[c.Name] {
			return SuiteConfig{}, fmt.Errorf("duplicate service name %q", c.Name)
		}
		seen[c.Name] = true
		ret.Services = append(ret.Services, c)
	}
	return ret, nil
}

// Service returns the configuration with the given name.
func (s SuiteConfig) Service(name string) (MockServiceConfig, bool) {
	for _, c := range s.Services {
		if c.Name == name {
			return c, true
		}
	}
	return MockServiceConfig{}, false
}
