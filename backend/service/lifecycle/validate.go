package lifecycle

import (
	"strings"

	"github.com/go-playground/validator/v10"

	"shunt/backend/domain"
)

var profileValidator = validator.New()

// validateProfile 协议必须已知；需要地址的协议要求地址是合法主机名或 IP
func validateProfile(profile domain.ServerProfile) error {
	if !profile.ProtocolType.Known() {
		return &ValidationError{GUID: profile.GUID, Field: "protocolType", Reason: "unknown protocol " + string(profile.ProtocolType)}
	}
	if !profile.ProtocolType.RequiresAddress() {
		return nil
	}

	addr := strings.TrimSpace(profile.ServerAddress)
	// 允许带方括号的 IPv6
	addr = strings.TrimSuffix(strings.TrimPrefix(addr, "["), "]")
	if addr == "" {
		return &ValidationError{GUID: profile.GUID, Field: "serverAddress", Reason: "empty"}
	}
	if err := profileValidator.Var(addr, "ip|hostname_rfc1123"); err != nil {
		return &ValidationError{GUID: profile.GUID, Field: "serverAddress", Reason: "not a valid host or IP: " + profile.ServerAddress}
	}
	if profile.Hysteria2 != nil && profile.Hysteria2.PortHopping != "" {
		return nil
	}
	if err := profileValidator.Var(profile.ServerPort, "min=1,max=65535"); err != nil {
		return &ValidationError{GUID: profile.GUID, Field: "serverPort", Reason: "out of range"}
	}
	return nil
}
