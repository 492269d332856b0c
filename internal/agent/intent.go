package agent

import (
	"math/rand"
	"strings"
	"unicode/utf8"
)

var greetingLexicon = map[string]struct{}{
	"你好":    {},
	"在吗":    {},
	"hello": {},
	"hi":    {},
	"早上好":   {},
}

var greetingReplies = []string{
	"你好！我是陕北民歌 AI 助理。",
	"在呢，想了解点啥？",
	"咱们陕北文化博大精深，您可以问我关于信天游、秧歌或者剪纸的事儿。",
}

// ClassifyIntent is local and deterministic: lexicon greetings and inputs
// shorter than two characters are greetings, everything else is a query.
func ClassifyIntent(message string) Intent {
	trimmed := strings.TrimSpace(message)
	if utf8.RuneCountInString(trimmed) < 2 {
		return IntentGreeting
	}
	if _, ok := greetingLexicon[strings.ToLower(trimmed)]; ok {
		return IntentGreeting
	}
	return IntentQuery
}

// GreetingReplies returns a copy of the built-in replies.
func GreetingReplies() []string {
	return append([]string(nil), greetingReplies...)
}

// Selector picks an index in [0, n).
type Selector func(n int) int

func RandomSelector(n int) int {
	return rand.Intn(n)
}

// FixedSelector always picks i modulo n.
func FixedSelector(i int) Selector {
	return func(n int) int {
		return i % n
	}
}
