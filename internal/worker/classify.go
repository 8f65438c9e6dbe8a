package worker

import (
	"net/http"
	"strings"
)

// Category 是请求分类结果，决定由哪种策略处理。
type Category string

const (
	CategoryNavigation Category = "navigation"
	CategoryData       Category = "data"
	CategoryStatic     Category = "static"
)

// Categories 返回全部分类，顺序固定。
func Categories() []Category {
	return []Category{CategoryNavigation, CategoryData, CategoryStatic}
}

// ParseCategory resolves a configured category name.
func ParseCategory(name string) (Category, bool) {
	switch Category(strings.ToLower(strings.TrimSpace(name))) {
	case CategoryNavigation:
		return CategoryNavigation, true
	case CategoryData:
		return CategoryData, true
	case CategoryStatic:
		return CategoryStatic, true
	}
	return "", false
}

// Classify decides whether a request is intercepted and, if so, its category.
// Only GET requests are intercepted. An Accept header mentioning text/html
// marks a navigation; otherwise a path ending in ".json" marks structured
// data; everything else is a static asset.
func Classify(r *http.Request) (Category, bool) {
	if r == nil || r.Method != http.MethodGet {
		return "", false
	}
	accept := strings.Join(r.Header.Values("Accept"), ",")
	if strings.Contains(accept, "text/html") {
		return CategoryNavigation, true
	}
	if r.URL != nil && strings.HasSuffix(r.URL.Path, ".json") {
		return CategoryData, true
	}
	return CategoryStatic, true
}
