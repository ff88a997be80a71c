package lifecycle

import (
	"errors"
	"testing"

	"shunt/backend/domain"
)

func TestValidateProfile(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		profile domain.ServerProfile
		field   string
	}{
		{name: "hostname", profile: domain.ServerProfile{ProtocolType: domain.ProtocolVLESS, ServerAddress: "edge.example.com", ServerPort: 443}},
		{name: "ipv4", profile: domain.ServerProfile{ProtocolType: domain.ProtocolTrojan, ServerAddress: "203.0.113.7", ServerPort: 443}},
		{name: "bracketed ipv6", profile: domain.ServerProfile{ProtocolType: domain.ProtocolSOCKS, ServerAddress: "[2001:db8::1]", ServerPort: 1080}},
		{name: "custom skips address", profile: domain.ServerProfile{ProtocolType: domain.ProtocolCustom}},
		{name: "policy group skips address", profile: domain.ServerProfile{ProtocolType: domain.ProtocolPolicyGroup}},
		{
			name: "port hopping skips port",
			profile: domain.ServerProfile{
				ProtocolType:  domain.ProtocolHysteria2,
				ServerAddress: "hy.example.com",
				Hysteria2:     &domain.ProfileHysteria2{PortHopping: "20000-30000"},
			},
		},
		{name: "unknown protocol", profile: domain.ServerProfile{ProtocolType: "QUIC"}, field: "protocolType"},
		{name: "empty address", profile: domain.ServerProfile{ProtocolType: domain.ProtocolVMess, ServerPort: 443}, field: "serverAddress"},
		{name: "garbage address", profile: domain.ServerProfile{ProtocolType: domain.ProtocolVMess, ServerAddress: "a b/c", ServerPort: 443}, field: "serverAddress"},
		{name: "zero port", profile: domain.ServerProfile{ProtocolType: domain.ProtocolShadowsocks, ServerAddress: "ss.example.com"}, field: "serverPort"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := validateProfile(tc.profile)
			if tc.field == "" {
				if err != nil {
					t.Fatalf("validateProfile() error: %v", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) || verr.Field != tc.field {
				t.Fatalf("expected %s validation error, got %v", tc.field, err)
			}
			if !errors.Is(err, ErrInvalidProfile) {
				t.Fatalf("error must wrap ErrInvalidProfile")
			}
		})
	}
}
