package main

import (
	"crypto/tls"
	"errors"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/porkbun"
	"github.com/redis/go-redis/v9"

	"github.com/manpreetbhatti/scrawl/internal/cluster"
)

// tlsConfig obtains certificates for domain over DNS-01 and keeps them in
// redis so every process can serve them
func tlsConfig(domain, apiKey, apiSecret string, rdb *redis.Client) (*tls.Config, error) {
	if rdb == nil {
		return nil, errors.New("certificate storage needs redis")
	}

	certmagic.DefaultACME.Agreed = true
	certmagic.DefaultACME.DNS01Solver = &certmagic.DNS01Solver{
		DNSProvider: &porkbun.Provider{
			APIKey:       apiKey,
			APISecretKey: apiSecret,
		},
	}
	certmagic.Default.Storage = cluster.NewCertStorage(rdb)

	return certmagic.TLS([]string{domain})
}
