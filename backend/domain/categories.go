package domain

import "strings"

// CategoryTag 分流类别标签
type CategoryTag string

const (
	// CategoryDefault 表示“使用主节点”，从不作为覆盖项持久化
	CategoryDefault CategoryTag = "default"

	CategoryNetflix CategoryTag = "netflix"
	CategoryYouTube CategoryTag = "youtube"
	CategoryGoogle  CategoryTag = "google"
	CategoryOpenAI  CategoryTag = "openai"
)

// SelectionDefault 类别选择的保留值：跟随主节点
const SelectionDefault = "default"

// Category 一个可单独指定上游的流量类别
type Category struct {
	Tag     CategoryTag `json:"tag"`
	Domains []string    `json:"domains"`
}

// categories 的顺序即合成规则的顺序。
// 各类别的域名列表互不相交，规则之间的相对顺序因此不影响匹配结果。
var categories = []Category{
	{Tag: CategoryNetflix, Domains: []string{"geosite:netflix", "domain:netflix.com", "domain:nflxvideo.net", "domain:nflxext.com"}},
	{Tag: CategoryYouTube, Domains: []string{"geosite:youtube", "domain:youtube.com", "domain:googlevideo.com", "domain:ytimg.com"}},
	{Tag: CategoryGoogle, Domains: []string{"geosite:google", "domain:google.com", "domain:googleapis.com", "domain:gstatic.com"}},
	{Tag: CategoryOpenAI, Domains: []string{"geosite:openai", "domain:openai.com", "domain:chatgpt.com", "domain:ai.com"}},
}

// Categories 返回固定顺序的类别列表（副本）
func Categories() []Category {
	out := make([]Category, len(categories))
	for i, c := range categories {
		out[i] = Category{Tag: c.Tag, Domains: append([]string(nil), c.Domains...)}
	}
	return out
}

// LookupCategory 按标签查找类别
func LookupCategory(tag CategoryTag) (Category, bool) {
	for _, c := range categories {
		if c.Tag == tag {
			return Category{Tag: c.Tag, Domains: append([]string(nil), c.Domains...)}, true
		}
	}
	return Category{}, false
}

// SelectionKey 类别选择在键值存储中的键
func SelectionKey(tag CategoryTag) string {
	return "strategy_" + string(tag)
}

// IsOverride 判断类别选择是否真正指向一个不同于主节点的节点。
// 空值、"default"、等于主节点 GUID 三者语义相同：不覆盖。
func IsOverride(selected, primaryGUID string) bool {
	selected = strings.TrimSpace(selected)
	return selected != "" && selected != SelectionDefault && selected != primaryGUID
}
