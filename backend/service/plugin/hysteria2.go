package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"shunt/backend/domain"
)

// hy2Config hysteria2 客户端原生配置（只包含本项目用到的字段）
type hy2Config struct {
	Server    string        `json:"server"`
	Auth      string        `json:"auth,omitempty"`
	Lazy      bool          `json:"lazy"`
	TLS       *hy2TLS       `json:"tls,omitempty"`
	Obfs      *hy2Obfs      `json:"obfs,omitempty"`
	Bandwidth *hy2Bandwidth `json:"bandwidth,omitempty"`
	Transport *hy2Transport `json:"transport,omitempty"`
	Socks5    hy2Socks5     `json:"socks5"`
}

type hy2TLS struct {
	SNI       string `json:"sni,omitempty"`
	Insecure  bool   `json:"insecure"`
	PinSHA256 string `json:"pinSHA256,omitempty"`
}

type hy2Obfs struct {
	Type       string         `json:"type"`
	Salamander *hy2Salamander `json:"salamander,omitempty"`
}

type hy2Salamander struct {
	Password string `json:"password"`
}

type hy2Bandwidth struct {
	Up   string `json:"up,omitempty"`
	Down string `json:"down,omitempty"`
}

type hy2Transport struct {
	UDP hy2UDP `json:"udp"`
}

type hy2UDP struct {
	HopInterval string `json:"hopInterval"`
}

type hy2Socks5 struct {
	Listen string `json:"listen"`
}

// renderHysteria2 将配置映射为 hysteria2 客户端配置，SOCKS5 监听在 127.0.0.1:socksPort
func renderHysteria2(profile domain.ServerProfile, socksPort int) ([]byte, error) {
	if strings.TrimSpace(profile.ServerAddress) == "" {
		return nil, errors.New("hysteria2: server address is empty")
	}
	if socksPort <= 0 || socksPort > 65535 {
		return nil, fmt.Errorf("hysteria2: invalid local port %d", socksPort)
	}

	hy := profile.Hysteria2
	if hy == nil {
		hy = &domain.ProfileHysteria2{}
	}

	// 端口跳跃时服务器端口写成范围，例如 example.com:20000-30000
	port := strconv.Itoa(profile.ServerPort)
	if hop := strings.TrimSpace(hy.PortHopping); hop != "" {
		port = strings.ReplaceAll(hop, ":", "-")
	}

	cfg := hy2Config{
		Server: net.JoinHostPort(profile.ServerAddress, port),
		Lazy:   true,
		Socks5: hy2Socks5{Listen: net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))},
	}
	if profile.Security != nil {
		cfg.Auth = profile.Security.Password
	}

	tls := &hy2TLS{PinSHA256: hy.PinSHA256}
	if profile.TLS != nil {
		tls.SNI = profile.TLS.ServerName
		tls.Insecure = profile.TLS.Insecure
	}
	cfg.TLS = tls

	if hy.ObfsPassword != "" {
		cfg.Obfs = &hy2Obfs{
			Type:       firstNonEmpty(hy.ObfsType, "salamander"),
			Salamander: &hy2Salamander{Password: hy.ObfsPassword},
		}
	}
	if hy.UpMbps > 0 || hy.DownMbps > 0 {
		bw := &hy2Bandwidth{}
		if hy.UpMbps > 0 {
			bw.Up = fmt.Sprintf("%d mbps", hy.UpMbps)
		}
		if hy.DownMbps > 0 {
			bw.Down = fmt.Sprintf("%d mbps", hy.DownMbps)
		}
		cfg.Bandwidth = bw
	}
	if hy.PortHopping != "" && hy.HopInterval > 0 {
		cfg.Transport = &hy2Transport{UDP: hy2UDP{HopInterval: fmt.Sprintf("%ds", hy.HopInterval)}}
	}

	return json.MarshalIndent(cfg, "", "  ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
