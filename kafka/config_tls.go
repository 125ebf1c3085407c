package kafka

import "fmt"

// TLSConfig to connect to the brokers via TLS
type TLSConfig struct {
	Enabled               bool   `koanf:"enabled"`
	CaFilepath            string `koanf:"caFilepath"`
	CertFilepath          string `koanf:"certFilepath"`
	KeyFilepath           string `koanf:"keyFilepath"`
	InsecureSkipTLSVerify bool   `koanf:"insecureSkipTlsVerify"`
}

func (c *TLSConfig) SetDefaults() {
	c.Enabled = false
}

func (c *TLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if (c.CertFilepath == "") != (c.KeyFilepath == "") {
		return fmt.Errorf("config keys 'certFilepath' and 'keyFilepath' must either both be set or both be empty")
	}

	return nil
}
