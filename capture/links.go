package capture

import (
	"strings"

	"go.uber.org/zap"
)

// navigationHandlers are inline handlers able to trigger navigation.
var navigationHandlers = []string{
	"onclick", "ondblclick", "onmousedown", "onmouseup",
	"onmouseover", "onauxclick", "ontouchstart",
}

// rewriteLinks makes every anchor absolute and opens it in a new browsing
// context. The raw href is kept in data-original-href.
func rewriteLinks(root Element, resolve func(string) (string, error), logger *zap.Logger) int {
	rewritten := 0
	walkElements(root, func(el Element) {
		if el.Tag() != "a" {
			return
		}
		if href, _ := el.Attr("href"); strings.TrimSpace(href) != "" {
			el.SetAttr("data-original-href", href)
			if abs, err := resolve(href); err != nil {
				logger.Warn("link rewrite failed", zap.String("href", href), zap.Error(err))
			} else {
				el.SetAttr("href", abs)
				rewritten++
			}
		}
		for _, h := range navigationHandlers {
			el.RemoveAttr(h)
		}
		el.SetAttr("target", "_blank")
		el.SetAttr("rel", "noopener noreferrer")
	})
	return rewritten
}
