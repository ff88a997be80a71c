// Package render 将单个 ServerProfile 渲染为 xray 基础配置文档。
package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/rs/zerolog"

	"shunt/backend/domain"
	"shunt/backend/service/applog"
)

var (
	// ErrUnsupportedProtocol 协议无法渲染为 xray 出站
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	// ErrEmptyCustomConfig CUSTOM 类型未保存配置内容
	ErrEmptyCustomConfig = errors.New("custom profile has no config")
	// ErrNoRenderableMember 策略组内没有可渲染的成员
	ErrNoRenderableMember = errors.New("policy group has no renderable member")
)

const (
	directTag = "direct"
	blockTag  = "block"
)

// Result 渲染结果
type Result struct {
	// Document 完整的 xray JSON 文档，outbounds[0] 为上游出站
	Document []byte
	// AuxPort 辅助进程需要监听的本地端口（仅 HYSTERIA2，其余为 0）
	AuxPort int
	// Profile 实际被渲染的配置（策略组时为被选中的成员）
	Profile domain.ServerProfile
}

// ProfileSource 渲染器需要的只读配置来源
type ProfileSource interface {
	Get(ctx context.Context, guid string) (domain.ServerProfile, error)
}

// Options 渲染参数
type Options struct {
	Listen    string
	SocksPort int
	HTTPPort  int
	LogLevel  string
}

// XrayRenderer xray 配置渲染器
type XrayRenderer struct {
	profiles ProfileSource
	opts     Options
	log      zerolog.Logger

	// allocPort 为辅助进程挑选本地端口，测试中可替换
	allocPort func() (int, error)
}

func NewXrayRenderer(profiles ProfileSource, opts Options) *XrayRenderer {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1"
	}
	if opts.LogLevel == "" {
		opts.LogLevel = "warning"
	}
	return &XrayRenderer{
		profiles:  profiles,
		opts:      opts,
		log:       applog.For("Render"),
		allocPort: freeLocalPort,
	}
}

// SetPortAllocator 替换辅助端口分配函数
func (r *XrayRenderer) SetPortAllocator(fn func() (int, error)) {
	if fn != nil {
		r.allocPort = fn
	}
}

// Render 按 GUID 渲染
func (r *XrayRenderer) Render(ctx context.Context, guid string) (Result, error) {
	profile, err := r.profiles.Get(ctx, guid)
	if err != nil {
		return Result{}, fmt.Errorf("load profile %s: %w", guid, err)
	}
	return r.renderProfile(ctx, profile, map[string]struct{}{})
}

func (r *XrayRenderer) renderProfile(ctx context.Context, profile domain.ServerProfile, visiting map[string]struct{}) (Result, error) {
	switch profile.ProtocolType {
	case domain.ProtocolCustom:
		if len(profile.CustomConfig) == 0 || string(profile.CustomConfig) == "null" {
			return Result{}, fmt.Errorf("%s: %w", profile.GUID, ErrEmptyCustomConfig)
		}
		if !json.Valid(profile.CustomConfig) {
			return Result{}, fmt.Errorf("%s: custom config is not valid JSON", profile.GUID)
		}
		return Result{Document: append([]byte(nil), profile.CustomConfig...), Profile: profile}, nil

	case domain.ProtocolPolicyGroup:
		return r.renderPolicyGroup(ctx, profile, visiting)
	}

	var (
		outbound map[string]interface{}
		auxPort  int
		err      error
	)
	if profile.ProtocolType.RequiresPlugin() {
		auxPort, err = r.allocPort()
		if err != nil {
			return Result{}, fmt.Errorf("allocate helper port: %w", err)
		}
		outbound = buildPluginOutbound(auxPort)
	} else {
		outbound, err = buildOutbound(profile)
		if err != nil {
			return Result{}, fmt.Errorf("build outbound %s: %w", profile.GUID, err)
		}
	}

	doc, err := r.buildDocument(outbound)
	if err != nil {
		return Result{}, err
	}
	return Result{Document: doc, AuxPort: auxPort, Profile: profile}, nil
}

// renderPolicyGroup 按成员顺序渲染第一个可用成员
func (r *XrayRenderer) renderPolicyGroup(ctx context.Context, group domain.ServerProfile, visiting map[string]struct{}) (Result, error) {
	if _, ok := visiting[group.GUID]; ok {
		return Result{}, fmt.Errorf("policy group %s references itself", group.GUID)
	}
	visiting[group.GUID] = struct{}{}
	defer delete(visiting, group.GUID)

	var errs []error
	for _, guid := range group.PolicyGroupMembers {
		member, err := r.profiles.Get(ctx, guid)
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", guid, err))
			continue
		}
		res, err := r.renderProfile(ctx, member, visiting)
		if err != nil {
			errs = append(errs, fmt.Errorf("member %s: %w", guid, err))
			continue
		}
		if len(errs) > 0 {
			r.log.Debug().Str("group", group.GUID).Str("member", guid).Err(errors.Join(errs...)).
				Msg("skipped unrenderable members")
		}
		return res, nil
	}
	errs = append([]error{fmt.Errorf("%s: %w", group.GUID, ErrNoRenderableMember)}, errs...)
	return Result{}, errors.Join(errs...)
}

func (r *XrayRenderer) buildDocument(outbound map[string]interface{}) ([]byte, error) {
	outbound["tag"] = domain.OutboundTagProxy

	inbounds := []map[string]interface{}{
		{
			"tag":      "socks",
			"listen":   r.opts.Listen,
			"port":     r.opts.SocksPort,
			"protocol": "socks",
			"settings": map[string]interface{}{
				"auth": "noauth",
				"udp":  true,
			},
		},
	}
	if r.opts.HTTPPort > 0 {
		inbounds = append(inbounds, map[string]interface{}{
			"tag":      "http",
			"listen":   r.opts.Listen,
			"port":     r.opts.HTTPPort,
			"protocol": "http",
			"settings": map[string]interface{}{
				"allowTransparent": false,
			},
		})
	}

	config := map[string]interface{}{
		"log": map[string]interface{}{
			"loglevel": r.opts.LogLevel,
		},
		"inbounds": inbounds,
		"outbounds": []map[string]interface{}{
			outbound,
			{"tag": directTag, "protocol": "freedom"},
			{
				"tag":      blockTag,
				"protocol": "blackhole",
				"settings": map[string]interface{}{
					"response": map[string]interface{}{"type": "http"},
				},
			},
		},
		"routing": map[string]interface{}{
			"domainStrategy": "AsIs",
			"rules": []map[string]interface{}{
				{
					"type":        "field",
					"ip":          []string{"geoip:private"},
					"outboundTag": directTag,
				},
			},
		},
	}
	return json.MarshalIndent(config, "", "  ")
}

// buildPluginOutbound 经本地辅助进程转发的 SOCKS 出站
func buildPluginOutbound(port int) map[string]interface{} {
	return map[string]interface{}{
		"protocol": "socks",
		"settings": map[string]interface{}{
			"servers": []map[string]interface{}{
				{"address": "127.0.0.1", "port": port},
			},
		},
	}
}

func freeLocalPort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// firstNonEmpty 返回第一个非空字符串
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
