package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// ProtocolType 服务器配置的协议类型（封闭枚举）
type ProtocolType string

const (
	ProtocolVMess       ProtocolType = "VMESS"
	ProtocolVLESS       ProtocolType = "VLESS"
	ProtocolShadowsocks ProtocolType = "SHADOWSOCKS"
	ProtocolSOCKS       ProtocolType = "SOCKS"
	ProtocolHTTP        ProtocolType = "HTTP"
	ProtocolTrojan      ProtocolType = "TROJAN"
	ProtocolWireGuard   ProtocolType = "WIREGUARD"
	ProtocolHysteria2   ProtocolType = "HYSTERIA2"
	ProtocolCustom      ProtocolType = "CUSTOM"
	ProtocolPolicyGroup ProtocolType = "POLICY_GROUP"
)

var knownProtocols = map[ProtocolType]struct{}{
	ProtocolVMess:       {},
	ProtocolVLESS:       {},
	ProtocolShadowsocks: {},
	ProtocolSOCKS:       {},
	ProtocolHTTP:        {},
	ProtocolTrojan:      {},
	ProtocolWireGuard:   {},
	ProtocolHysteria2:   {},
	ProtocolCustom:      {},
	ProtocolPolicyGroup: {},
}

// Known 是否为已知协议
func (p ProtocolType) Known() bool {
	_, ok := knownProtocols[p]
	return ok
}

// RequiresAddress 是否需要校验服务器地址。
// CUSTOM 与 POLICY_GROUP 不直接指向某个上游地址。
func (p ProtocolType) RequiresAddress() bool {
	return p != ProtocolCustom && p != ProtocolPolicyGroup
}

// RequiresPlugin 是否需要辅助进程承载该协议流量
func (p ProtocolType) RequiresPlugin() bool {
	return p == ProtocolHysteria2
}

// ParseProtocolType 宽松解析协议名（大小写/常见别名）
func ParseProtocolType(raw string) ProtocolType {
	v := strings.ToUpper(strings.TrimSpace(raw))
	switch v {
	case "SS":
		return ProtocolShadowsocks
	case "HY2":
		return ProtocolHysteria2
	case "POLICYGROUP":
		return ProtocolPolicyGroup
	}
	return ProtocolType(v)
}

// ServerProfile 一个上游服务器配置。核心逻辑只读，不修改。
type ServerProfile struct {
	GUID           string       `json:"guid"`
	ProtocolType   ProtocolType `json:"protocolType"`
	ServerAddress  string       `json:"serverAddress"`
	ServerPort     int          `json:"serverPort"`
	DisplayName    string       `json:"displayName"`
	SubscriptionID string       `json:"subscriptionId,omitempty"`

	Security  *ProfileSecurity  `json:"security,omitempty"`
	Transport *ProfileTransport `json:"transport,omitempty"`
	TLS       *ProfileTLS       `json:"tls,omitempty"`
	WireGuard *ProfileWireGuard `json:"wireguard,omitempty"`
	Hysteria2 *ProfileHysteria2 `json:"hysteria2,omitempty"`

	// CustomConfig CUSTOM 类型保存的完整引擎配置
	CustomConfig json.RawMessage `json:"customConfig,omitempty"`
	// PolicyGroupMembers POLICY_GROUP 类型引用的成员 GUID（按优先级）
	PolicyGroupMembers []string `json:"policyGroupMembers,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Name 返回用于展示的名称
func (p ServerProfile) Name() string {
	if strings.TrimSpace(p.DisplayName) != "" {
		return p.DisplayName
	}
	return p.GUID
}

type ProfileSecurity struct {
	UUID       string `json:"uuid,omitempty"`
	Password   string `json:"password,omitempty"`
	Username   string `json:"username,omitempty"`
	Method     string `json:"method,omitempty"`
	Flow       string `json:"flow,omitempty"`
	Encryption string `json:"encryption,omitempty"`
	AlterID    int    `json:"alterId,omitempty"`
}

type ProfileTransport struct {
	Type        string `json:"type,omitempty"`
	Host        string `json:"host,omitempty"`
	Path        string `json:"path,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
}

type ProfileTLS struct {
	Enabled          bool     `json:"enabled,omitempty"`
	Type             string   `json:"type,omitempty"` // tls / reality
	ServerName       string   `json:"serverName,omitempty"`
	Insecure         bool     `json:"insecure,omitempty"`
	Fingerprint      string   `json:"fingerprint,omitempty"`
	RealityPublicKey string   `json:"realityPublicKey,omitempty"`
	RealityShortID   string   `json:"realityShortId,omitempty"`
	ALPN             []string `json:"alpn,omitempty"`
}

type ProfileWireGuard struct {
	SecretKey    string   `json:"secretKey,omitempty"`
	PublicKey    string   `json:"publicKey,omitempty"`
	PreSharedKey string   `json:"preSharedKey,omitempty"`
	LocalAddress []string `json:"localAddress,omitempty"`
	Reserved     []int    `json:"reserved,omitempty"`
	MTU          int      `json:"mtu,omitempty"`
}

type ProfileHysteria2 struct {
	ObfsType     string `json:"obfsType,omitempty"` // salamander
	ObfsPassword string `json:"obfsPassword,omitempty"`
	UpMbps       int    `json:"upMbps,omitempty"`
	DownMbps     int    `json:"downMbps,omitempty"`
	PortHopping  string `json:"portHopping,omitempty"` // 如 "20000-30000"
	HopInterval  int    `json:"hopInterval,omitempty"` // 秒
	PinSHA256    string `json:"pinSHA256,omitempty"`
}

// ProcessState 代理引擎实例的生命周期状态
type ProcessState string

const (
	StateStopped  ProcessState = "stopped"
	StateStarting ProcessState = "starting"
	StateRunning  ProcessState = "running"
	StateStopping ProcessState = "stopping"
)
