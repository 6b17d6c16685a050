package tianji

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/aristath/billsync/internal/domain"
	"github.com/aristath/billsync/internal/normalize"
)

// BalanceMatcher finds a balance in a companyProfit page
type BalanceMatcher func(page string) (float64, bool)

// amount accepts thousands separators; they are stripped when parsed
const amount = `([-+]?(?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?)`

// labelPatterns match a balance next to a text label; they also run on
// extracted element text.
var labelPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)余额[:：]\s*` + amount),
	regexp.MustCompile(`(?i)(?:可用)?余额\s*[:：]?\s*` + amount),
	regexp.MustCompile(`(?i)当前余额\s*[:：]?\s*` + amount),
	regexp.MustCompile(`(?i)账户余额\s*[:：]?\s*` + amount),
}

// markupPatterns match a balance split from its label by tags
var markupPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)余额\s*[：:]\s*<[^>]+>\s*` + amount + `\s*</[^>]+>`),
	regexp.MustCompile(`(?i)余额\s*</span>\s*<span[^>]*>\s*` + amount),
	regexp.MustCompile(`(?i)<td[^>]*>\s*余额\s*</td>\s*<td[^>]*>\s*` + amount),
	regexp.MustCompile(`(?i)余额\s*<em[^>]*>\s*` + amount + `\s*</em>`),
}

var currencyPattern = regexp.MustCompile(`余额[:：]\s*[¥￥]?\s*((?:\d{1,3}(?:,\d{3})+|\d+)(?:\.\d+)?)`)

// BalanceMatchers is the fixed priority order used by ExtractBalance
var BalanceMatchers = buildMatchers()

func buildMatchers() []BalanceMatcher {
	matchers := make([]BalanceMatcher, 0, len(labelPatterns)+len(markupPatterns)+2)
	for _, re := range labelPatterns {
		matchers = append(matchers, regexMatcher(re))
	}
	for _, re := range markupPatterns {
		matchers = append(matchers, regexMatcher(re))
	}
	matchers = append(matchers, matchElementText, matchCurrencyLabel)
	return matchers
}

// ExtractBalance returns the first balance found by BalanceMatchers.
// A page without a recognizable balance is an error, never zero.
func ExtractBalance(page string) (float64, error) {
	for _, match := range BalanceMatchers {
		if balance, ok := match(page); ok {
			return balance, nil
		}
	}
	return 0, domain.ErrBalanceNotFound
}

func regexMatcher(re *regexp.Regexp) BalanceMatcher {
	return func(page string) (float64, bool) {
		for _, m := range re.FindAllStringSubmatch(page, -1) {
			if f := normalize.Money(m[1]); f != nil {
				return *f, true
			}
		}
		return 0, false
	}
}

// matchElementText looks at the text of each element whose own text mentions
// 余额, then at its parent, so values in sibling tags are found.
func matchElementText(page string) (float64, bool) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return 0, false
	}

	var found float64
	var ok bool
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if ok {
			return
		}
		if n.Type == html.TextNode && strings.Contains(n.Data, "余额") && n.Parent != nil {
			for _, scope := range []*html.Node{n.Parent, n.Parent.Parent} {
				if scope == nil {
					continue
				}
				text := nodeText(scope)
				for _, re := range labelPatterns {
					if found, ok = regexMatcher(re)(text); ok {
						return
					}
				}
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(doc)
	return found, ok
}

func matchCurrencyLabel(page string) (float64, bool) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return 0, false
	}
	return regexMatcher(currencyPattern)(nodeText(doc))
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "script" || n.Data == "style" {
				return
			}
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}
