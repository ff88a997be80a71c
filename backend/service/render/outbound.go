package render

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"shunt/backend/domain"
)

// buildOutbound 构建单个配置的出站（不含 tag）
func buildOutbound(profile domain.ServerProfile) (map[string]interface{}, error) {
	sec := profile.Security
	if sec == nil {
		sec = &domain.ProfileSecurity{}
	}

	outbound := map[string]interface{}{
		"protocol": strings.ToLower(string(profile.ProtocolType)),
	}

	var settings map[string]interface{}

	switch profile.ProtocolType {
	case domain.ProtocolVMess:
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": profile.ServerAddress,
					"port":    profile.ServerPort,
					"users": []map[string]interface{}{
						{
							"id":       sec.UUID,
							"alterId":  sec.AlterID,
							"security": firstNonEmpty(sec.Encryption, "auto"),
						},
					},
				},
			},
		}

	case domain.ProtocolVLESS:
		user := map[string]interface{}{
			"id":         sec.UUID,
			"encryption": firstNonEmpty(sec.Encryption, "none"),
		}
		if sec.Flow != "" {
			user["flow"] = sec.Flow
		}
		settings = map[string]interface{}{
			"vnext": []map[string]interface{}{
				{
					"address": profile.ServerAddress,
					"port":    profile.ServerPort,
					"users":   []map[string]interface{}{user},
				},
			},
		}

	case domain.ProtocolTrojan:
		server := map[string]interface{}{
			"address":  profile.ServerAddress,
			"port":     profile.ServerPort,
			"password": sec.Password,
		}
		if sec.Flow != "" {
			server["flow"] = sec.Flow
		}
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{server},
		}

	case domain.ProtocolShadowsocks:
		outbound["protocol"] = "shadowsocks"
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{
				{
					"address":  profile.ServerAddress,
					"port":     profile.ServerPort,
					"method":   sec.Method,
					"password": sec.Password,
				},
			},
		}

	case domain.ProtocolSOCKS, domain.ProtocolHTTP:
		server := map[string]interface{}{
			"address": profile.ServerAddress,
			"port":    profile.ServerPort,
		}
		if sec.Username != "" || sec.Password != "" {
			server["users"] = []map[string]interface{}{
				{"user": sec.Username, "pass": sec.Password},
			}
		}
		settings = map[string]interface{}{
			"servers": []map[string]interface{}{server},
		}

	case domain.ProtocolWireGuard:
		wg := profile.WireGuard
		if wg == nil {
			return nil, fmt.Errorf("wireguard profile missing key material")
		}
		peer := map[string]interface{}{
			"publicKey": wg.PublicKey,
			"endpoint":  net.JoinHostPort(profile.ServerAddress, strconv.Itoa(profile.ServerPort)),
		}
		if wg.PreSharedKey != "" {
			peer["preSharedKey"] = wg.PreSharedKey
		}
		settings = map[string]interface{}{
			"secretKey": wg.SecretKey,
			"address":   wg.LocalAddress,
			"peers":     []map[string]interface{}{peer},
		}
		if len(wg.Reserved) > 0 {
			settings["reserved"] = wg.Reserved
		}
		if wg.MTU > 0 {
			settings["mtu"] = wg.MTU
		}

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, profile.ProtocolType)
	}

	outbound["settings"] = settings

	if profile.Transport != nil || (profile.TLS != nil && profile.TLS.Enabled) {
		outbound["streamSettings"] = buildStreamSettings(profile.Transport, profile.TLS)
	}
	return outbound, nil
}

// buildStreamSettings 构建传输层配置
func buildStreamSettings(transport *domain.ProfileTransport, tls *domain.ProfileTLS) map[string]interface{} {
	stream := map[string]interface{}{}

	network := "tcp"
	if transport != nil && transport.Type != "" {
		network = strings.ToLower(transport.Type)
	}
	stream["network"] = network

	if transport != nil {
		switch network {
		case "ws":
			wsSettings := map[string]interface{}{}
			if transport.Path != "" {
				wsSettings["path"] = transport.Path
			}
			if transport.Host != "" {
				wsSettings["headers"] = map[string]string{"Host": transport.Host}
			}
			stream["wsSettings"] = wsSettings

		case "grpc":
			grpcSettings := map[string]interface{}{}
			if transport.ServiceName != "" {
				grpcSettings["serviceName"] = transport.ServiceName
			}
			stream["grpcSettings"] = grpcSettings

		case "http", "h2":
			httpSettings := map[string]interface{}{}
			if transport.Host != "" {
				httpSettings["host"] = []string{transport.Host}
			}
			if transport.Path != "" {
				httpSettings["path"] = transport.Path
			}
			stream["httpSettings"] = httpSettings
		}
	}

	if tls == nil || !tls.Enabled {
		return stream
	}

	if tls.Type == "reality" || tls.RealityPublicKey != "" {
		reality := map[string]interface{}{
			"publicKey":   tls.RealityPublicKey,
			"shortId":     tls.RealityShortID,
			"fingerprint": firstNonEmpty(tls.Fingerprint, "chrome"),
		}
		if tls.ServerName != "" {
			reality["serverName"] = tls.ServerName
		}
		stream["security"] = "reality"
		stream["realitySettings"] = reality
		return stream
	}

	tlsSettings := map[string]interface{}{
		"allowInsecure": tls.Insecure,
	}
	if tls.ServerName != "" {
		tlsSettings["serverName"] = tls.ServerName
	}
	if tls.Fingerprint != "" {
		tlsSettings["fingerprint"] = tls.Fingerprint
	}
	if len(tls.ALPN) > 0 {
		tlsSettings["alpn"] = tls.ALPN
	}
	stream["security"] = "tls"
	stream["tlsSettings"] = tlsSettings
	return stream
}
