// Package shunt 将主节点的基础配置与各类别的覆盖节点合成为一份路由配置。
package shunt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"shunt/backend/domain"
	"shunt/backend/service/applog"
)

var (
	// ErrPrimaryRender 主节点无法渲染，合成中止
	ErrPrimaryRender = errors.New("primary profile render failed")
	// ErrNoOutbound 主节点文档没有任何出站
	ErrNoOutbound = errors.New("primary document has no outbound")
)

// RenderFunc 按 GUID 渲染单个节点的独立配置文档。
// 合成期间按类别顺序串行调用，不会并发。
type RenderFunc func(guid string) (*domain.Document, error)

// SelectionFunc 返回类别当前选择的 GUID，未设置时返回空字符串
type SelectionFunc func(tag domain.CategoryTag) string

// InboundDefaults 文档没有入站时补上的 SOCKS 入站
type InboundDefaults struct {
	Tag    string
	Listen string
	Port   int
}

// CategoryRoute 单个类别的合成结果
type CategoryRoute struct {
	Tag         domain.CategoryTag `json:"tag"`
	Selected    string             `json:"selected,omitempty"`
	OutboundTag string             `json:"outboundTag"`
	// Degraded 覆盖节点不可用而回落到主节点的原因
	Degraded string `json:"degraded,omitempty"`
}

// Outcome 合成结果及各类别去向
type Outcome struct {
	Document *domain.Document
	Routes   []CategoryRoute
}

// Synthesizer 路由配置合成器
type Synthesizer struct {
	inbound InboundDefaults
	log     zerolog.Logger
}

func NewSynthesizer(inbound InboundDefaults) *Synthesizer {
	if inbound.Tag == "" {
		inbound.Tag = "socks"
	}
	if inbound.Listen == "" {
		inbound.Listen = "127.0.0.1"
	}
	if inbound.Port == 0 {
		inbound.Port = 10808
	}
	return &Synthesizer{inbound: inbound, log: applog.For("Shunt")}
}

// Synthesize 生成最终文档；只有主节点渲染失败才返回错误
func (s *Synthesizer) Synthesize(primaryGUID string, render RenderFunc, lookup SelectionFunc) (*domain.Document, error) {
	out, err := s.Build(primaryGUID, render, lookup)
	if err != nil {
		return nil, err
	}
	return out.Document, nil
}

// Build 与 Synthesize 相同，额外返回每个类别的去向
func (s *Synthesizer) Build(primaryGUID string, render RenderFunc, lookup SelectionFunc) (Outcome, error) {
	doc, err := render(primaryGUID)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %s: %v", ErrPrimaryRender, primaryGUID, err)
	}
	if doc == nil {
		return Outcome{}, fmt.Errorf("%w: %s: empty document", ErrPrimaryRender, primaryGUID)
	}
	if len(doc.Outbounds) == 0 {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNoOutbound, primaryGUID)
	}

	tags := s.tagPrimary(doc)
	s.normalizeInbounds(doc)

	seen := map[string]struct{}{primaryGUID: {}}
	routes := make([]CategoryRoute, 0, len(domain.Categories()))
	rules := make([]json.RawMessage, 0, len(domain.Categories()))

	for _, category := range domain.Categories() {
		route := s.routeCategory(doc, category.Tag, primaryGUID, render, lookup, seen, tags)
		rule, err := json.Marshal(domain.RoutingRule{
			Type:        "field",
			OutboundTag: route.OutboundTag,
			Domain:      category.Domains,
		})
		if err != nil {
			return Outcome{}, fmt.Errorf("encode rule %s: %w", category.Tag, err)
		}
		rules = append(rules, rule)
		routes = append(routes, route)
	}

	if doc.Routing == nil {
		doc.Routing = &domain.Routing{}
	}
	doc.Routing.Rules = append(rules, doc.Routing.Rules...)
	doc.Routing.Balancers = []json.RawMessage{}
	doc.Routing.DomainStrategy = domain.DomainStrategyIPIfNonMatch
	doc.RemoveSection("observatory")

	return Outcome{Document: doc, Routes: routes}, nil
}

// tagPrimary 将 outbounds[0] 改名为 proxy，其余重名出站加后缀。
// 基础文档里原本唯一的标签被改名后，指向它的规则随之改指新标签。
func (s *Synthesizer) tagPrimary(doc *domain.Document) map[string]struct{} {
	counts := make(map[string]int, len(doc.Outbounds))
	taken := map[string]struct{}{domain.OutboundTagProxy: {}}
	for _, o := range doc.Outbounds {
		if o.Tag != "" {
			counts[o.Tag]++
			taken[o.Tag] = struct{}{}
		}
	}

	renames := map[string]string{}
	rename := func(i int, tag string) {
		old := doc.Outbounds[i].Tag
		doc.Outbounds[i].Tag = tag
		if old == "" || old == tag {
			return
		}
		if counts[old] == 1 {
			renames[old] = tag
			return
		}
		s.log.Warn().Str("tag", old).Str("renamed", tag).
			Msg("duplicate outbound tag in base document, rules referencing it are left unchanged")
	}

	rename(0, domain.OutboundTagProxy)
	tags := map[string]struct{}{domain.OutboundTagProxy: {}}
	for i := 1; i < len(doc.Outbounds); i++ {
		tag := doc.Outbounds[i].Tag
		if tag == "" {
			continue
		}
		if _, dup := tags[tag]; dup {
			renamed := uniqueTag(tag, i, taken)
			taken[renamed] = struct{}{}
			rename(i, renamed)
			tag = renamed
		}
		tags[tag] = struct{}{}
	}

	s.retargetRules(doc, renames)
	return tags
}

// uniqueTag 返回 base_n 形式且未被占用的标签，n 从 start 递增
func uniqueTag(base string, start int, taken map[string]struct{}) string {
	for n := start; ; n++ {
		candidate := fmt.Sprintf("%s_%d", base, n)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

// retargetRules 按 renames 改写基础规则的 outboundTag，每条规则只改写一次
func (s *Synthesizer) retargetRules(doc *domain.Document, renames map[string]string) {
	if doc.Routing == nil || len(renames) == 0 {
		return
	}
	for i, rule := range doc.Routing.Rules {
		current := gjson.GetBytes(rule, "outboundTag")
		if current.Type != gjson.String {
			continue
		}
		tag, ok := renames[current.String()]
		if !ok {
			continue
		}
		updated, err := sjson.SetBytes(rule, "outboundTag", tag)
		if err != nil {
			s.log.Warn().Err(err).Int("rule", i).Msg("retarget base rule failed")
			continue
		}
		doc.Routing.Rules[i] = updated
	}
}

// normalizeInbounds 没有入站时补默认 SOCKS 入站，并为全部入站开启嗅探
func (s *Synthesizer) normalizeInbounds(doc *domain.Document) {
	if len(doc.Inbounds) == 0 {
		doc.Inbounds = []domain.Inbound{{
			Tag:      s.inbound.Tag,
			Protocol: "socks",
			Listen:   s.inbound.Listen,
			Port:     domain.PortNumber(s.inbound.Port),
			Settings: json.RawMessage(`{"auth":"noauth","udp":true}`),
		}}
	}
	for i := range doc.Inbounds {
		doc.Inbounds[i].Sniffing = &domain.Sniffing{
			Enabled:      true,
			DestOverride: []string{"http", "tls", "quic"},
			RouteOnly:    true,
		}
	}
}

func (s *Synthesizer) routeCategory(
	doc *domain.Document,
	tag domain.CategoryTag,
	primaryGUID string,
	render RenderFunc,
	lookup SelectionFunc,
	seen map[string]struct{},
	tags map[string]struct{},
) CategoryRoute {
	selected := ""
	if lookup != nil {
		selected = strings.TrimSpace(lookup(tag))
	}
	route := CategoryRoute{Tag: tag, Selected: selected, OutboundTag: domain.OutboundTagProxy}
	if !domain.IsOverride(selected, primaryGUID) {
		return route
	}

	nodeTag := domain.NodeOutboundTag(selected)
	if _, ok := seen[selected]; ok {
		route.OutboundTag = nodeTag
		return route
	}

	degrade := func(reason string) CategoryRoute {
		s.log.Warn().Str("category", string(tag)).Str("guid", selected).Str("reason", reason).
			Msg("category override unavailable, routing via proxy")
		route.Degraded = reason
		return route
	}

	if _, clash := tags[nodeTag]; clash {
		return degrade("outbound tag " + nodeTag + " already used by base document")
	}
	node, err := render(selected)
	if err != nil {
		return degrade(err.Error())
	}
	if node == nil || len(node.Outbounds) == 0 {
		return degrade("rendered document has no outbound")
	}

	outbound := node.Outbounds[0]
	outbound.Tag = nodeTag
	doc.Outbounds = append(doc.Outbounds, outbound)
	seen[selected] = struct{}{}
	tags[nodeTag] = struct{}{}

	route.OutboundTag = nodeTag
	return route
}
