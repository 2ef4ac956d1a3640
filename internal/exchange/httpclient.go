// Package exchange предоставляет интерфейсы возможностей биржи и их адаптеры.
package exchange

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// HTTPClientConfig содержит настройки HTTP клиента для бирж
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут установки TCP соединения
	ReadTimeout    time.Duration // таймаут ожидания заголовков ответа
	TotalTimeout   time.Duration // общий таймаут запроса (fallback к контексту)

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig - таймауты укладываются в окно 5-15s исходящего вызова
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   15 * time.Second,

		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// NewHTTPClient создаёт http.Client с пулом соединений.
// Один клиент разделяется адаптером биржи и HTTP провайдером контекста рынка.
func NewHTTPClient(config HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   config.ConnectTimeout,
		KeepAlive: config.KeepAliveInterval,
	}

	transport := &http.Transport{
		// Укорачиваем таймаут соединения, если дедлайн контекста ближе
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			if deadline, ok := ctx.Deadline(); ok {
				if timeout := time.Until(deadline); timeout < config.ConnectTimeout {
					d := &net.Dialer{Timeout: timeout, KeepAlive: config.KeepAliveInterval}
					return d.DialContext(ctx, network, addr)
				}
			}
			return dialer.DialContext(ctx, network, addr)
		},

		MaxIdleConns:        config.MaxIdleConns,
		MaxIdleConnsPerHost: config.MaxIdleConnsPerHost,
		MaxConnsPerHost:     config.MaxConnsPerHost,
		IdleConnTimeout:     config.IdleConnTimeout,

		TLSHandshakeTimeout: config.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: config.ReadTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   config.TotalTimeout,
	}
}

// CloseIdle закрывает idle соединения клиента (graceful shutdown)
func CloseIdle(client *http.Client) {
	if client == nil {
		return
	}
	if t, ok := client.Transport.(*http.Transport); ok {
		t.CloseIdleConnections()
	}
}
