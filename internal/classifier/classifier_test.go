package classifier

import (
	"testing"

	"github.com/stretchr/testify/require"
)

var sessionCtx = Context{SessionID: "s1", MessageCount: 5}

func TestPositionalWithContext(t *testing.T) {
	res := Classify("what did I say first?", sessionCtx)
	require.True(t, res.IsConversational)
	require.Equal(t, Positional, res.Classification)
	require.GreaterOrEqual(t, res.Confidence, 0.90)
	require.True(t, res.ContextInfo.HasConversationContext)
}

func TestPositionalWithoutContextFallsToGeneral(t *testing.T) {
	res := Classify("what did I say first?", Context{})
	require.False(t, res.IsConversational)
	require.Equal(t, General, res.Classification)
	require.GreaterOrEqual(t, res.Confidence, 0.85)
	require.False(t, res.ContextInfo.HasConversationContext)
}

func TestOverviewWithContext(t *testing.T) {
	res := Classify("summarize our conversation", sessionCtx)
	require.True(t, res.IsConversational)
	require.Equal(t, Overview, res.Classification)
	require.GreaterOrEqual(t, res.Confidence, 0.90)
}

func TestDiscourseMarkerIsStrongest(t *testing.T) {
	res := Classify("as you said earlier, the deadline is Friday", sessionCtx)
	require.Equal(t, Positional, res.Classification)
	require.InDelta(t, 0.98, res.Confidence, 1e-9)
}

func TestDiscourseMarkerWithoutContext(t *testing.T) {
	res := Classify("like you mentioned, the build is broken", Context{})
	require.True(t, res.IsConversational)
	require.Equal(t, Positional, res.Classification)
	require.InDelta(t, 0.95, res.Confidence, 1e-9)
}

func TestTopicalWithContext(t *testing.T) {
	res := Classify("what did we discuss about the budget?", sessionCtx)
	require.Equal(t, Topical, res.Classification)
	require.InDelta(t, 0.92, res.Confidence, 1e-9)
}

func TestTemporalConversational(t *testing.T) {
	res := Classify("you just said the opposite", sessionCtx)
	require.Equal(t, Positional, res.Classification)
	require.InDelta(t, 0.95, res.Confidence, 1e-9)
}

func TestAnaphoraWithPronouns(t *testing.T) {
	res := Classify("can you explain that point to me", sessionCtx)
	require.Equal(t, Positional, res.Classification)
	require.InDelta(t, 0.85, res.Confidence, 1e-9)
}

func TestPronounsOnlyAreWeakSignal(t *testing.T) {
	res := Classify("tell me about our solar system", sessionCtx)
	require.False(t, res.IsConversational)
	require.Equal(t, General, res.Classification)
	require.InDelta(t, 0.60, res.Confidence, 1e-9)
}

func TestPlainFactualQuery(t *testing.T) {
	res := Classify("population of France", sessionCtx)
	require.False(t, res.IsConversational)
	require.Equal(t, General, res.Classification)
}

func TestContextGateRequiresBothSignals(t *testing.T) {
	// A session id alone is not conversation context.
	res := Classify("what did I say first?", Context{SessionID: "s1"})
	require.Equal(t, General, res.Classification)
	require.True(t, res.ContextInfo.HasSessionContext)
	require.False(t, res.ContextInfo.HasMessageHistory)

	// HasHistory substitutes for a positive message count.
	res = Classify("what did I say first?", Context{SessionID: "s1", HasHistory: true})
	require.Equal(t, Positional, res.Classification)
}

func TestSecondPersonTemporalWithoutContext(t *testing.T) {
	res := Classify("what did you say before?", Context{})
	require.True(t, res.IsConversational)
	require.Equal(t, Positional, res.Classification)
	require.InDelta(t, 0.85, res.Confidence, 1e-9)
}
