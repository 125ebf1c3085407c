package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl"
	"github.com/twmb/franz-go/pkg/sasl/kerberos"
	"github.com/twmb/franz-go/pkg/sasl/oauth"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
	"go.uber.org/zap"

	krbconfig "github.com/jcmturner/gokrb5/v8/config"
)

// NewKgoConfig creates the franz-go client options from the given config.
// An error is returned if TLS certificates cannot be read or the SASL
// mechanism is misconfigured.
func NewKgoConfig(cfg Config, logger *zap.Logger) ([]kgo.Opt, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		// Reassignment progress polls want metadata fresher than the 5s client
		// default allows.
		kgo.MetadataMinAge(time.Second),
	}

	opts = append(opts, kgo.WithLogger(kgoZapLogger{logger: logger.Sugar()}))

	if cfg.RackID != "" {
		opts = append(opts, kgo.Rack(cfg.RackID))
	}

	if cfg.SASL.Enabled {
		switch cfg.SASL.Mechanism {
		case SASLMechanismPlain:
			mechanism := plain.Auth{
				User: cfg.SASL.Username,
				Pass: cfg.SASL.Password,
			}.AsMechanism()
			opts = append(opts, kgo.SASL(mechanism))
		case SASLMechanismScramSHA256, SASLMechanismScramSHA512:
			var mechanism sasl.Mechanism
			scramAuth := scram.Auth{
				User: cfg.SASL.Username,
				Pass: cfg.SASL.Password,
			}
			if cfg.SASL.Mechanism == SASLMechanismScramSHA256 {
				mechanism = scramAuth.AsSha256Mechanism()
			} else {
				mechanism = scramAuth.AsSha512Mechanism()
			}
			opts = append(opts, kgo.SASL(mechanism))
		case SASLMechanismGSSAPI:
			mechanism, err := newGSSAPIMechanism(cfg.SASL.GSSAPI)
			if err != nil {
				return nil, err
			}
			opts = append(opts, kgo.SASL(mechanism))
		case SASLMechanismOAuthBearer:
			mechanism := oauth.Oauth(func(ctx context.Context) (oauth.Auth, error) {
				token, err := cfg.SASL.OAuthBearer.getToken(ctx)
				return oauth.Auth{
					Zid:   cfg.SASL.OAuthBearer.ClientID,
					Token: token,
				}, err
			})
			opts = append(opts, kgo.SASL(mechanism))
		}
	}

	if cfg.TLS.Enabled {
		tlsCfg, err := newTLSConfig(cfg.TLS, logger)
		if err != nil {
			return nil, err
		}
		tlsDialer := &tls.Dialer{
			NetDialer: &net.Dialer{Timeout: 10 * time.Second},
			Config:    tlsCfg,
		}
		opts = append(opts, kgo.Dialer(tlsDialer.DialContext))
	}

	return opts, nil
}

func newGSSAPIMechanism(cfg SASLGSSAPIConfig) (sasl.Mechanism, error) {
	kerbCfg, err := krbconfig.Load(cfg.KerberosConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create kerberos config from specified config filepath: %w", err)
	}

	var krbClient *client.Client
	switch cfg.AuthType {
	case "USER_AUTH":
		krbClient = client.NewWithPassword(
			cfg.Username,
			cfg.Realm,
			cfg.Password,
			kerbCfg,
			client.DisablePAFXFAST(!cfg.EnableFast))
	case "KEYTAB_AUTH":
		ktb, err := keytab.Load(cfg.KeyTabPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load keytab: %w", err)
		}
		krbClient = client.NewWithKeytab(
			cfg.Username,
			cfg.Realm,
			ktb,
			kerbCfg,
			client.DisablePAFXFAST(!cfg.EnableFast))
	default:
		return nil, fmt.Errorf("kafka.sasl.gssapi.authType must be one of USER_AUTH or KEYTAB_AUTH")
	}

	return kerberos.Auth{
		Client:           krbClient,
		Service:          cfg.ServiceName,
		PersistAfterAuth: true,
	}.AsMechanism(), nil
}

func newTLSConfig(cfg TLSConfig, logger *zap.Logger) (*tls.Config, error) {
	var caCertPool *x509.CertPool
	if cfg.CaFilepath != "" {
		ca, err := os.ReadFile(cfg.CaFilepath)
		if err != nil {
			return nil, fmt.Errorf("failed to load ca cert: %w", err)
		}
		caCertPool = x509.NewCertPool()
		if ok := caCertPool.AppendCertsFromPEM(ca); !ok {
			logger.Warn("failed to append ca file to cert pool, is this a valid PEM format?")
		}
	}

	var certificates []tls.Certificate
	if cfg.CertFilepath != "" && cfg.KeyFilepath != "" {
		cert, err := os.ReadFile(cfg.CertFilepath)
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS certificate: %w", err)
		}
		key, err := os.ReadFile(cfg.KeyFilepath)
		if err != nil {
			return nil, fmt.Errorf("failed to read TLS key: %w", err)
		}
		tlsCert, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse TLS key pair: %w", err)
		}
		certificates = []tls.Certificate{tlsCert}
	}

	return &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipTLSVerify,
		Certificates:       certificates,
		RootCAs:            caCertPool,
	}, nil
}
