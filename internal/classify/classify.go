// Package classify is the reference Classifier: a coin detector plus a
// crypto-aware lexicon sentiment scorer.
package classify

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/postharvest/internal/harvest"
)

// Coin is a tracked asset and the words that mention it.
type Coin struct {
	Symbol   string
	Keywords []string
	Hashtags []string
}

// DefaultCoins lists the tracked assets in reporting order.
func DefaultCoins() []Coin {
	return []Coin{
		{"BTC", []string{"bitcoin", "btc", "xbt", "satoshi"}, []string{"btc", "bitcoin"}},
		{"ETH", []string{"ethereum", "eth", "ether", "vitalik"}, []string{"eth", "ethereum"}},
		{"BNB", []string{"binance coin", "bnb", "binance"}, []string{"bnb"}},
		{"SOL", []string{"solana", "sol"}, []string{"sol", "solana"}},
		{"ADA", []string{"cardano", "ada"}, []string{"ada", "cardano"}},
		{"XRP", []string{"ripple", "xrp"}, []string{"xrp", "ripple"}},
		{"DOGE", []string{"dogecoin", "doge"}, []string{"doge", "dogecoin"}},
		{"DOT", []string{"polkadot", "dot"}, []string{"dot", "polkadot"}},
		{"AVAX", []string{"avalanche", "avax"}, []string{"avax", "avalanche"}},
		{"SHIB", []string{"shiba inu", "shib"}, []string{"shib", "shibainu"}},
		{"MATIC", []string{"polygon", "matic"}, []string{"matic", "polygon"}},
		{"LINK", []string{"chainlink", "link"}, []string{"link", "chainlink"}},
	}
}

// DefaultLexicon weights crypto slang and common polarity words.
func DefaultLexicon() map[string]int {
	return map[string]int{
		"hodl": 2, "moon": 2, "mooning": 2, "bullish": 3, "bull": 2,
		"surge": 2, "surging": 2, "rally": 2, "rallying": 2, "ath": 2,
		"breakout": 2, "accumulate": 1, "accumulation": 1, "buy the dip": 2,
		"diamond hands": 2, "support": 1, "adoption": 2, "partnership": 1,
		"launched": 1, "launching": 1, "green": 1,
		"good": 2, "great": 3, "amazing": 4, "love": 3, "win": 3, "profit": 2, "huge": 1,

		"bearish": -3, "bear": -2, "dump": -2, "dumping": -2, "correction": -1,
		"crash": -3, "crashing": -3, "scam": -3, "ponzi": -3, "rugpull": -3,
		"fud": -2, "sell": -1, "selling": -1, "sold": -1, "paper hands": -1,
		"resistance": -1, "banned": -2, "ban": -2, "regulation": -1,
		"hack": -3, "hacked": -3, "exploit": -3, "whale": -1, "red": -1,
		"bad": -3, "terrible": -3, "loss": -3, "fear": -2, "stolen": -2,
	}
}

var hashtagPattern = regexp.MustCompile(`#(\w+)`)

type term struct {
	pattern *regexp.Regexp
	weight  int
}

type coinMatcher struct {
	symbol   string
	pattern  *regexp.Regexp
	hashtags map[string]struct{}
}

// Classifier implements harvest.Classifier. It is immutable and safe for
// concurrent use.
type Classifier struct {
	coins []coinMatcher
	terms []term
}

// New builds a Classifier from a coin table and a weighted lexicon.
func New(coins []Coin, lexicon map[string]int) *Classifier {
	c := &Classifier{}
	for _, coin := range coins {
		m := coinMatcher{symbol: coin.Symbol, pattern: wordPattern(coin.Keywords...), hashtags: map[string]struct{}{}}
		for _, tag := range coin.Hashtags {
			m.hashtags[strings.ToLower(tag)] = struct{}{}
		}
		c.coins = append(c.coins, m)
	}
	for phrase, weight := range lexicon {
		c.terms = append(c.terms, term{pattern: wordPattern(phrase), weight: weight})
	}
	return c
}

// NewDefault returns the Classifier with the built-in tables.
func NewDefault() *Classifier {
	return New(DefaultCoins(), DefaultLexicon())
}

// Analyze detects coins and scores sentiment for text.
func (c *Classifier) Analyze(text string) harvest.Analysis {
	lower := strings.ToLower(text)
	tags := ExtractHashtags(lower)
	return harvest.Analysis{
		Tags:      c.detectCoins(lower, tags),
		Sentiment: c.sentiment(lower),
	}
}

// Score returns the summed lexicon weight of text.
func (c *Classifier) Score(text string) int {
	lower := strings.ToLower(text)
	score := 0
	for _, t := range c.terms {
		score += t.weight * len(t.pattern.FindAllStringIndex(lower, -1))
	}
	return score
}

func (c *Classifier) sentiment(lower string) harvest.Sentiment {
	switch score := c.Score(lower); {
	case score > 0:
		return harvest.SentimentPositive
	case score < 0:
		return harvest.SentimentNegative
	default:
		return harvest.SentimentNeutral
	}
}

func (c *Classifier) detectCoins(lower string, hashtags []string) []string {
	out := []string{}
	for _, coin := range c.coins {
		if coin.pattern.MatchString(lower) || hasAny(coin.hashtags, hashtags) {
			out = append(out, coin.symbol)
		}
	}
	return out
}

// ExtractHashtags returns the #tags in text without the leading '#'.
func ExtractHashtags(text string) []string {
	matches := hashtagPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func hasAny(set map[string]struct{}, values []string) bool {
	for _, v := range values {
		if _, ok := set[strings.ToLower(v)]; ok {
			return true
		}
	}
	return false
}

func wordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(strings.ToLower(w))
	}
	return regexp.MustCompile(`\b(?:` + strings.Join(quoted, "|") + `)\b`)
}
