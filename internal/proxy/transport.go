package proxy

import (
	"net"
	"net/http"
	"time"
)

// TransportOptions tunes the pooled upstream transport.
type TransportOptions struct {
	DialTimeout         time.Duration
	DialKeepAlive       time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	MaxConnsPerHost     int // 0 = unlimited
	TLSHandshakeTimeout time.Duration
}

// DefaultTransportOptions are sized for a gateway fanning out to a handful
// of services.
func DefaultTransportOptions() TransportOptions {
	return TransportOptions{
		DialTimeout:         5 * time.Second,
		DialKeepAlive:       60 * time.Second,
		MaxIdleConns:        512,
		MaxIdleConnsPerHost: 128,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}
}

// NewTransport builds the shared HTTP/1.1 transport used for every upstream.
func NewTransport(o TransportOptions) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   o.DialTimeout,
		KeepAlive: o.DialKeepAlive,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false,
		MaxIdleConns:          o.MaxIdleConns,
		MaxIdleConnsPerHost:   o.MaxIdleConnsPerHost,
		IdleConnTimeout:       o.IdleConnTimeout,
		MaxConnsPerHost:       o.MaxConnsPerHost,
		TLSHandshakeTimeout:   o.TLSHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		// the gateway decompresses nothing; bodies pass through as sent
		DisableCompression: true,
	}
}
