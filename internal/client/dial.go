package client

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coder/websocket"
	kcp "github.com/xtaci/kcp-go/v5"
	"github.com/xtaci/smux"
)

// endpoint 解析后的连接地址
type endpoint struct {
	scheme string // kcp / tcp / ws / wss
	host   string
	raw    string
}

// parseEndpoint 解析 "kcp://host:port"、"tcp://host:port"、"ws(s)://host/path"，
// 不带 scheme 的 "host:port" 视为 tcp
func parseEndpoint(raw string) (endpoint, error) {
	if !strings.Contains(raw, "://") {
		if _, _, err := net.SplitHostPort(raw); err != nil {
			return endpoint{}, fmt.Errorf("无效的地址 %q: %w", raw, err)
		}
		return endpoint{scheme: "tcp", host: raw, raw: "tcp://" + raw}, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return endpoint{}, fmt.Errorf("无效的地址 %q: %w", raw, err)
	}
	switch u.Scheme {
	case "kcp", "tcp", "ws", "wss":
	default:
		return endpoint{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	if u.Host == "" {
		return endpoint{}, fmt.Errorf("无效的地址 %q: 缺少主机", raw)
	}
	return endpoint{scheme: u.Scheme, host: u.Host, raw: raw}, nil
}

// dialConn 建立底层字节流连接
func dialConn(ctx context.Context, ep endpoint, credential string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch ep.scheme {
	case "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.host)
		if err != nil {
			return nil, err
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
		return conn, nil

	case "kcp":
		conn, err := kcp.DialWithOptions(ep.host, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		conn.SetStreamMode(true)
		conn.SetNoDelay(1, 10, 2, 1)
		conn.SetWindowSize(256, 256)
		return conn, nil

	case "ws", "wss":
		header := http.Header{}
		if credential != "" {
			header.Set("Authorization", "Bearer "+credential)
		}
		c, _, err := websocket.Dial(ctx, ep.raw, &websocket.DialOptions{HTTPHeader: header})
		if err != nil {
			return nil, err
		}
		// 默认读限制 32KiB，smux 帧可能更大
		c.SetReadLimit(1 << 20)
		return websocket.NetConn(context.Background(), c, websocket.MessageBinary), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, ep.scheme)
	}
}

// muxConfig 会话多路复用配置，smux 自带心跳用作链路保活
func muxConfig(cfg Config) *smux.Config {
	mc := smux.DefaultConfig()
	if cfg.PingInterval > 0 {
		mc.KeepAliveInterval = cfg.PingInterval
	}
	if cfg.HeartbeatTimeout > mc.KeepAliveInterval {
		mc.KeepAliveTimeout = cfg.HeartbeatTimeout
	} else {
		mc.KeepAliveTimeout = 2 * mc.KeepAliveInterval
	}
	return mc
}
