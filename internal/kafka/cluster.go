// Package kafka holds the broker connection settings shared by the stream
// readers and the dead-letter publisher.
package kafka

import (
	"errors"
	"fmt"
	"slices"
)

// Supported SASL mechanisms.
var mechanisms = []string{"PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512"}

// ClusterConfig describes how to reach the broker cluster.
type ClusterConfig struct {
	Brokers  []string   `yaml:"brokers"`
	ClientID string     `yaml:"clientId,omitempty"`
	Auth     AuthConfig `yaml:"auth,omitempty"`
	TLS      TLSConfig  `yaml:"tls,omitempty"`
}

// AuthConfig defines SASL authentication.
type AuthConfig struct {
	Mechanism string `yaml:"mechanism"` // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// TLSConfig defines TLS settings for broker connections.
type TLSConfig struct {
	Enabled    bool   `yaml:"enabled"`
	CAFile     string `yaml:"caFile,omitempty"`
	CertFile   string `yaml:"certFile,omitempty"` // mTLS
	KeyFile    string `yaml:"keyFile,omitempty"`  // mTLS
	SkipVerify bool   `yaml:"skipVerify,omitempty"`
}

// Validate reports every problem with the cluster settings at once.
func (c *ClusterConfig) Validate() error {
	var errs []error

	if len(c.Brokers) == 0 {
		errs = append(errs, errors.New("brokers are required"))
	}
	for i, b := range c.Brokers {
		if b == "" {
			errs = append(errs, fmt.Errorf("brokers[%d] is empty", i))
		}
	}

	if m := c.Auth.Mechanism; m != "" {
		if !slices.Contains(mechanisms, m) {
			errs = append(errs, fmt.Errorf("auth.mechanism %q is not one of %v", m, mechanisms))
		}
		if c.Auth.Username == "" {
			errs = append(errs, errors.New("auth.username is required when mechanism is set"))
		}
		if c.Auth.Password == "" {
			errs = append(errs, errors.New("auth.password is required when mechanism is set"))
		}
	}

	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.certFile and tls.keyFile must be set together"))
	}
	if !c.TLS.Enabled && (c.TLS.CAFile != "" || c.TLS.CertFile != "") {
		errs = append(errs, errors.New("tls files are set but tls.enabled is false"))
	}

	return errors.Join(errs...)
}
