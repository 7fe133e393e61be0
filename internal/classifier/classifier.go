// Package classifier decides whether a query refers back to the current
// conversation rather than to long-term memory. It is a pure function over
// the query text and the caller-supplied conversation context; the pattern
// set below is frozen and covered one-for-one by tests.
package classifier

import (
	"regexp"
	"strings"
)

// Classification values.
const (
	General    = "GENERAL"
	Positional = "POSITIONAL"
	Topical    = "TOPICAL"
	Overview   = "OVERVIEW"
)

// Context is the conversation state supplied by the caller.
type Context struct {
	SessionID    string
	MessageCount int
	HasHistory   bool
}

// ContextInfo echoes how the context gate evaluated.
type ContextInfo struct {
	HasSessionContext      bool `json:"hasSessionContext"`
	HasMessageHistory      bool `json:"hasMessageHistory"`
	HasConversationContext bool `json:"hasConversationContext"`
	MessageCount           int  `json:"messageCount"`
}

// Result is the classification outcome.
type Result struct {
	IsConversational bool        `json:"isConversational"`
	Classification   string      `json:"classification"`
	Confidence       float64     `json:"confidence"`
	Reasoning        string      `json:"reasoning"`
	ContextInfo      ContextInfo `json:"contextInfo"`
}

var (
	discoursePattern = regexp.MustCompile(`\b(as (you|i) (said|mentioned)|like (you|i) (said|mentioned)|as we discussed|as mentioned (before|earlier))\b`)

	positionalPattern = regexp.MustCompile(`\b(what did (i|you|we) (say|ask|mention) (first|last|earlier|before)|(first|last) thing (i|you|we) (said|asked|mentioned)|at the (beginning|start) of (our|the|this) (conversation|chat)|(said|say) (first|last))\b`)

	temporalConversationalPattern = regexp.MustCompile(`\b(earlier (you|we|i) (said|mentioned|asked)|(you|we|i) just (said|mentioned|asked)|a (moment|minute|second) ago)\b`)

	topicalPattern = regexp.MustCompile(`\b(what (did|have) we (discussed|discuss|talked about|talk about|covered|cover)|did we (discuss|talk about|cover)|what were we (discussing|talking about))\b`)

	overviewPattern = regexp.MustCompile(`\b((summarize|summarise|recap) (our|this|the) (conversation|chat|discussion)|overview of (our|this|the) (conversation|chat|discussion)|what have we (covered|discussed) so far)\b`)

	anaphoraPattern = regexp.MustCompile(`\b(that (thing|one|point|part)|the (above|previous)|it again)\b`)

	conversationalPronounPattern = regexp.MustCompile(`\b(we|us|our|you|your|i|me|my)\b`)

	// secondPersonPattern gates the no-context path: first-person singular
	// alone is not evidence of a conversational reference.
	secondPersonPattern = regexp.MustCompile(`\b(we|us|our|you|your)\b`)

	temporalMarkerPattern = regexp.MustCompile(`\b(earlier|before|previously|first|last|just now|ago|recently)\b`)
)

// Classify labels the query. First match wins after the context gate.
func Classify(query string, ctx Context) Result {
	q := strings.ToLower(strings.TrimSpace(query))

	info := ContextInfo{
		HasSessionContext: ctx.SessionID != "",
		HasMessageHistory: ctx.MessageCount > 0 || ctx.HasHistory,
		MessageCount:      ctx.MessageCount,
	}
	info.HasConversationContext = info.HasSessionContext && info.HasMessageHistory

	if !info.HasConversationContext {
		switch {
		case discoursePattern.MatchString(q):
			return conversational(Positional, 0.95, "explicit discourse marker without session context", info)
		case secondPersonPattern.MatchString(q) && temporalMarkerPattern.MatchString(q):
			return conversational(Positional, 0.85, "second-person pronoun with temporal marker without session context", info)
		default:
			return general(0.90, "no conversation context and no strong conversational markers", info)
		}
	}

	switch {
	case discoursePattern.MatchString(q):
		return conversational(Positional, 0.98, "explicit discourse marker", info)
	case positionalPattern.MatchString(q) || temporalConversationalPattern.MatchString(q):
		return conversational(Positional, 0.95, "positional or temporal conversational reference", info)
	case topicalPattern.MatchString(q):
		return conversational(Topical, 0.92, "topical reference to the conversation", info)
	case overviewPattern.MatchString(q):
		return conversational(Overview, 0.90, "request for a conversation overview", info)
	case anaphoraPattern.MatchString(q) && conversationalPronounPattern.MatchString(q):
		return conversational(Positional, 0.85, "anaphoric reference with conversational pronouns", info)
	case conversationalPronounPattern.MatchString(q):
		return general(0.60, "conversational pronouns only; no structural marker", info)
	default:
		return general(0.80, "no conversational markers", info)
	}
}

func conversational(class string, confidence float64, reasoning string, info ContextInfo) Result {
	return Result{
		IsConversational: true,
		Classification:   class,
		Confidence:       confidence,
		Reasoning:        reasoning,
		ContextInfo:      info,
	}
}

func general(confidence float64, reasoning string, info ContextInfo) Result {
	return Result{
		Classification: General,
		Confidence:     confidence,
		Reasoning:      reasoning,
		ContextInfo:    info,
	}
}
