package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// 保留的出站标签
const (
	OutboundTagProxy = "proxy"
	nodeTagPrefix    = "node_"
)

// DomainStrategyIPIfNonMatch 合成后强制使用的域名策略
const DomainStrategyIPIfNonMatch = "IPIfNonMatch"

// NodeOutboundTag 返回类别覆盖节点的出站标签
func NodeOutboundTag(guid string) string {
	return nodeTagPrefix + guid
}

var errNotObject = errors.New("json value is not an object")

// Document 与代理引擎交换的配置文档。
// 只对本项目读写的字段建模，其余字段原样保存在 Extra 中并在序列化时写回。
type Document struct {
	Inbounds  []Inbound
	Outbounds []Outbound
	Routing   *Routing
	Extra     map[string]json.RawMessage
}

// Inbound 本地监听（SOCKS/HTTP 等）
type Inbound struct {
	Tag      string
	Protocol string
	Listen   string
	Port     json.RawMessage // 引擎允许数字或端口范围字符串
	Settings json.RawMessage
	Sniffing *Sniffing
	Extra    map[string]json.RawMessage
}

// Sniffing 入站嗅探配置
type Sniffing struct {
	Enabled      bool     `json:"enabled"`
	DestOverride []string `json:"destOverride"`
	RouteOnly    bool     `json:"routeOnly"`
}

// Outbound 上游出站，除标签外的内容不做解释
type Outbound struct {
	Tag   string
	Extra map[string]json.RawMessage
}

// Routing 路由段。原始规则保持原样（RawMessage），以免丢失引擎特有字段。
type Routing struct {
	DomainStrategy string
	Rules          []json.RawMessage
	Balancers      []json.RawMessage
	Extra          map[string]json.RawMessage
}

// RoutingRule 合成的域名分流规则
type RoutingRule struct {
	Type        string   `json:"type"`
	OutboundTag string   `json:"outboundTag"`
	Domain      []string `json:"domain"`
}

// PortNumber 将端口号编码为 JSON 数字
func PortNumber(port int) json.RawMessage {
	return json.RawMessage(strconv.Itoa(port))
}

// ParseDocument 解析引擎配置文档
func ParseDocument(data []byte) (*Document, error) {
	fields, err := splitObject(data)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	doc := &Document{}

	var rawInbounds []json.RawMessage
	if err := takeField(fields, "inbounds", &rawInbounds); err != nil {
		return nil, err
	}
	for i, raw := range rawInbounds {
		in, err := parseInbound(raw)
		if err != nil {
			return nil, fmt.Errorf("inbounds[%d]: %w", i, err)
		}
		doc.Inbounds = append(doc.Inbounds, in)
	}

	var rawOutbounds []json.RawMessage
	if err := takeField(fields, "outbounds", &rawOutbounds); err != nil {
		return nil, err
	}
	for i, raw := range rawOutbounds {
		out, err := ParseOutbound(raw)
		if err != nil {
			return nil, fmt.Errorf("outbounds[%d]: %w", i, err)
		}
		doc.Outbounds = append(doc.Outbounds, out)
	}

	if raw, ok := fields["routing"]; ok {
		delete(fields, "routing")
		if !isNull(raw) {
			routing, err := parseRouting(raw)
			if err != nil {
				return nil, fmt.Errorf("routing: %w", err)
			}
			doc.Routing = routing
		}
	}

	doc.Extra = fields
	return doc, nil
}

// Bytes 序列化为紧凑 JSON
func (d *Document) Bytes() ([]byte, error) {
	return json.Marshal(d)
}

// MarshalJSON 实现 json.Marshaler
func (d *Document) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(d.Extra)
	if d.Inbounds != nil {
		w.put("inbounds", d.Inbounds)
	}
	if d.Outbounds != nil {
		w.put("outbounds", d.Outbounds)
	}
	if d.Routing != nil {
		w.put("routing", d.Routing)
	}
	return w.bytes()
}

// UnmarshalJSON 实现 json.Unmarshaler
func (d *Document) UnmarshalJSON(data []byte) error {
	parsed, err := ParseDocument(data)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// RemoveSection 删除一个未建模的顶层段，返回是否存在
func (d *Document) RemoveSection(key string) bool {
	if d.Extra == nil {
		return false
	}
	_, ok := d.Extra[key]
	delete(d.Extra, key)
	return ok
}

// HasSection 判断未建模的顶层段是否存在
func (d *Document) HasSection(key string) bool {
	_, ok := d.Extra[key]
	return ok
}

// OutboundTags 按顺序返回全部出站标签
func (d *Document) OutboundTags() []string {
	tags := make([]string, 0, len(d.Outbounds))
	for _, o := range d.Outbounds {
		tags = append(tags, o.Tag)
	}
	return tags
}

func parseInbound(raw json.RawMessage) (Inbound, error) {
	fields, err := splitObject(raw)
	if err != nil {
		return Inbound{}, err
	}
	in := Inbound{}
	if err := takeField(fields, "tag", &in.Tag); err != nil {
		return Inbound{}, err
	}
	if err := takeField(fields, "protocol", &in.Protocol); err != nil {
		return Inbound{}, err
	}
	if err := takeField(fields, "listen", &in.Listen); err != nil {
		return Inbound{}, err
	}
	in.Port = takeRaw(fields, "port")
	in.Settings = takeRaw(fields, "settings")
	if err := takeField(fields, "sniffing", &in.Sniffing); err != nil {
		return Inbound{}, err
	}
	in.Extra = fields
	return in, nil
}

// MarshalJSON 实现 json.Marshaler
func (in Inbound) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(in.Extra)
	if in.Tag != "" {
		w.put("tag", in.Tag)
	}
	if in.Protocol != "" {
		w.put("protocol", in.Protocol)
	}
	if in.Listen != "" {
		w.put("listen", in.Listen)
	}
	w.putRaw("port", in.Port)
	w.putRaw("settings", in.Settings)
	if in.Sniffing != nil {
		w.put("sniffing", in.Sniffing)
	}
	return w.bytes()
}

// ParseOutbound 解析单个出站
func ParseOutbound(raw json.RawMessage) (Outbound, error) {
	fields, err := splitObject(raw)
	if err != nil {
		return Outbound{}, err
	}
	out := Outbound{}
	if err := takeField(fields, "tag", &out.Tag); err != nil {
		return Outbound{}, err
	}
	out.Extra = fields
	return out, nil
}

// MarshalJSON 实现 json.Marshaler
func (o Outbound) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(o.Extra)
	if o.Tag != "" {
		w.put("tag", o.Tag)
	}
	return w.bytes()
}

// Protocol 返回出站协议（未设置时为空）
func (o Outbound) Protocol() string {
	var p string
	if raw, ok := o.Extra["protocol"]; ok {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func parseRouting(raw json.RawMessage) (*Routing, error) {
	fields, err := splitObject(raw)
	if err != nil {
		return nil, err
	}
	r := &Routing{}
	if err := takeField(fields, "domainStrategy", &r.DomainStrategy); err != nil {
		return nil, err
	}
	if err := takeField(fields, "rules", &r.Rules); err != nil {
		return nil, err
	}
	if err := takeField(fields, "balancers", &r.Balancers); err != nil {
		return nil, err
	}
	r.Extra = fields
	return r, nil
}

// MarshalJSON 实现 json.Marshaler
func (r *Routing) MarshalJSON() ([]byte, error) {
	w := newObjectWriter(r.Extra)
	if r.DomainStrategy != "" {
		w.put("domainStrategy", r.DomainStrategy)
	}
	if r.Rules != nil {
		w.put("rules", r.Rules)
	}
	// 空切片也要写出：balancers: [] 是合成结果的一部分
	if r.Balancers != nil {
		w.put("balancers", r.Balancers)
	}
	return w.bytes()
}

// ========== JSON 对象辅助 ==========

func splitObject(data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, errNotObject
	}
	return fields, nil
}

func takeField(fields map[string]json.RawMessage, key string, dst any) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	if isNull(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("field %q: %w", key, err)
	}
	return nil
}

func takeRaw(fields map[string]json.RawMessage, key string) json.RawMessage {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	delete(fields, key)
	return raw
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

type objectWriter struct {
	fields map[string]json.RawMessage
	err    error
}

func newObjectWriter(extra map[string]json.RawMessage) *objectWriter {
	fields := make(map[string]json.RawMessage, len(extra)+4)
	for k, v := range extra {
		fields[k] = v
	}
	return &objectWriter{fields: fields}
}

func (w *objectWriter) put(key string, v any) {
	if w.err != nil {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		w.err = fmt.Errorf("field %q: %w", key, err)
		return
	}
	w.fields[key] = b
}

func (w *objectWriter) putRaw(key string, raw json.RawMessage) {
	if len(raw) == 0 {
		return
	}
	w.fields[key] = raw
}

func (w *objectWriter) bytes() ([]byte, error) {
	if w.err != nil {
		return nil, w.err
	}
	return json.Marshal(w.fields)
}
