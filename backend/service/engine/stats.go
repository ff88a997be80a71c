package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const apiTag = "api"

// injectStatsAPI 为文档加上流量统计所需的 api/stats/policy 段和专用入站
func injectStatsAPI(document []byte, port int) ([]byte, error) {
	if gjson.GetBytes(document, `inbounds.#(tag=="`+apiTag+`")`).Exists() {
		return document, nil
	}

	var err error
	out := document
	set := func(path string, value interface{}) {
		if err != nil {
			return
		}
		out, err = sjson.SetBytes(out, path, value)
	}
	setRaw := func(path, raw string) {
		if err != nil {
			return
		}
		out, err = sjson.SetRawBytes(out, path, []byte(raw))
	}

	setRaw("stats", `{}`)
	set("api.tag", apiTag)
	set("api.services", []string{"StatsService"})
	set("policy.system.statsOutboundUplink", true)
	set("policy.system.statsOutboundDownlink", true)
	set("inbounds.-1", map[string]interface{}{
		"tag":      apiTag,
		"listen":   "127.0.0.1",
		"port":     port,
		"protocol": "dokodemo-door",
		"settings": map[string]interface{}{"address": "127.0.0.1"},
	})
	if err != nil {
		return nil, err
	}

	// api 入站的路由规则必须排在最前面
	rules := []string{`{"type":"field","inboundTag":["` + apiTag + `"],"outboundTag":"` + apiTag + `"}`}
	for _, r := range gjson.GetBytes(out, "routing.rules").Array() {
		rules = append(rules, r.Raw)
	}
	setRaw("routing.rules", "["+strings.Join(rules, ",")+"]")
	return out, err
}

// StatName xray 出站流量计数器名称
func StatName(tag, key string) string {
	return "outbound>>>" + tag + ">>>traffic>>>" + key
}

// QueryStats 读取并清零计数器；未配置统计端口或未运行时返回 0
func (e *XrayEngine) QueryStats(tag, key string) int64 {
	if e.opts.StatsAPIPort <= 0 || !e.IsRunning() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := e.statsCmd(ctx, e.opts.Binary,
		"api", "stats",
		"--server=127.0.0.1:"+strconv.Itoa(e.opts.StatsAPIPort),
		"-name", StatName(tag, key),
		"-reset",
	)
	if err != nil {
		e.log.Debug().Err(err).Str("tag", tag).Str("key", key).Msg("query stats failed")
		return 0
	}
	return parseStatValue(out)
}

func parseStatValue(out []byte) int64 {
	if !gjson.ValidBytes(out) {
		return 0
	}
	return gjson.GetBytes(out, "stat.value").Int()
}

func runCommand(ctx context.Context, binary string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, binary, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", binary, strings.Join(args, " "), err)
	}
	return out, nil
}
