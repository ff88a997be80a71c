package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/proxy"
)

// MeasureDelay 经本地 SOCKS 入站请求 url，返回首个响应的耗时（毫秒）
func (e *XrayEngine) MeasureDelay(ctx context.Context, url string) (int64, error) {
	if !e.IsRunning() {
		return 0, ErrNotRunning
	}
	port := e.currentSocksPort()
	if port <= 0 {
		return 0, ErrNoSocksInbound
	}
	return measureViaSocks(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), url)
}

func measureViaSocks(ctx context.Context, socksAddr, url string) (int64, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return 0, fmt.Errorf("create socks5 dialer: %w", err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return 0, errors.New("socks5 dialer does not support context")
	}

	client := &http.Client{
		Transport: &http.Transport{
			DialContext:         contextDialer.DialContext,
			DisableKeepAlives:   true,
			TLSHandshakeTimeout: 10 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	elapsed := time.Since(start).Milliseconds()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if elapsed <= 0 {
		elapsed = 1
	}
	return elapsed, nil
}
