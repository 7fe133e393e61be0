// Package ocr extracts text from screenshots through a single serialized
// Tesseract worker and cleans the raw output into something worth embedding.
// The post-processing steps are pure functions so they are testable without
// an OCR engine installed.
package ocr

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Extraction is the cleaned result of one OCR pass.
type Extraction struct {
	Text         string   `json:"text"`
	FileNames    []string `json:"fileNames,omitempty"`
	CodeSnippets []string `json:"codeSnippets,omitempty"`
}

// Postprocess runs the full cleaning pipeline over raw OCR output: whitespace
// and charset normalization, file name and code extraction with redaction,
// log-noise removal, and gibberish filtering.
func Postprocess(raw string) Extraction {
	text := CleanOcrText(raw)
	files := ExtractFileNames(text)
	code := ExtractCodeSnippets(text)
	text = redact(text, files, code)
	text = AdditionalCleanup(text)
	text = FilterGibberish(text)
	return Extraction{Text: text, FileNames: files, CodeSnippets: code}
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanOcrText collapses whitespace and drops characters outside printable ASCII.
func CleanOcrText(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if r == '\n' || r == '\t' || (r >= 0x20 && r < 0x7f) {
			b.WriteRune(r)
		}
	}
	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(whitespaceRun.ReplaceAllLiteralString(line, " "))
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// knownExtensions is the fixed list file name detection matches against.
const knownExtensions = `js|mjs|cjs|ts|tsx|jsx|go|py|rb|java|c|h|cpp|hpp|rs|css|html|htm|json|yaml|yml|toml|xml|md|txt|log|sh|bash|zsh|sql|env|lock|png|jpg|jpeg|gif|svg|webp|ico|pdf|doc|docx|xls|xlsx|csv|zip|tar|gz`

var (
	fileNamePattern = regexp.MustCompile(`\b[\w][\w.-]*\.(?:` + knownExtensions + `)\b`)

	// ellipsisPattern catches file names the UI truncated in the middle, e.g.
	// "quarterly-rep...ort-final.xlsx".
	ellipsisPattern = regexp.MustCompile(`\b([\w-]+)(?:\.\.\.|\x{2026})([\w-]*\.(?:` + knownExtensions + `))`)

	// hyphenDatePattern catches file-listing rows where a hyphenated name is
	// followed by a month, e.g. "meeting-notes March".
	hyphenDatePattern = regexp.MustCompile(`\b([a-zA-Z0-9]+(?:-[a-zA-Z0-9]+)+)\s+(?:January|February|March|April|May|June|July|August|September|October|November|December)\b`)
)

// ExtractFileNames finds plausible file names in text, reconstructing
// ellipsis-truncated ones and names sitting next to a month in a listing.
// Candidates failing the safety predicate are dropped; duplicates are removed
// case-insensitively, keeping the first spelling seen.
func ExtractFileNames(text string) []string {
	var candidates []string
	candidates = append(candidates, fileNamePattern.FindAllString(text, -1)...)
	for _, m := range ellipsisPattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1]+m[2])
	}
	for _, m := range hyphenDatePattern.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, m[1])
	}

	seen := map[string]bool{}
	var out []string
	for _, c := range candidates {
		key := strings.ToLower(c)
		if seen[key] || !safeFileName(c) {
			continue
		}
		seen[key] = true
		out = append(out, c)
	}
	return out
}

var forbiddenFileChars = `<>:"|?*\` + "`"

// safeFileName accepts names without control characters or forbidden
// punctuation, shorter than 256 bytes, that carry a known extension or are a
// hyphenated compound.
func safeFileName(name string) bool {
	if name == "" || len(name) >= 256 {
		return false
	}
	for _, r := range name {
		if r < 0x20 || strings.ContainsRune(forbiddenFileChars, r) {
			return false
		}
	}
	if fileNamePattern.MatchString(name) {
		return true
	}
	return strings.Contains(name, "-")
}

// codeKeywords are the leading tokens that mark a line as code.
var codeKeywords = map[string]bool{
	"export": true, "import": true, "function": true,
	"const": true, "let": true, "var": true,
}

// ExtractCodeSnippets returns the lines whose first token is a code keyword.
func ExtractCodeSnippets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		fields := strings.Fields(trimmed)
		if len(fields) > 0 && codeKeywords[fields[0]] {
			out = append(out, trimmed)
		}
	}
	return out
}

// redact removes extracted file names and code lines from the text.
func redact(text string, files, code []string) string {
	for _, line := range code {
		text = strings.ReplaceAll(text, line, " ")
	}
	for _, f := range files {
		text = replaceAllFold(text, f, " ")
	}
	return text
}

func replaceAllFold(text, old, repl string) string {
	if old == "" {
		return text
	}
	lower := strings.ToLower(text)
	target := strings.ToLower(old)
	var b strings.Builder
	for {
		i := strings.Index(lower, target)
		if i < 0 {
			b.WriteString(text)
			return b.String()
		}
		b.WriteString(text[:i])
		b.WriteString(repl)
		text = text[i+len(old):]
		lower = lower[i+len(target):]
	}
}

var (
	tagMarkerPattern = regexp.MustCompile(`\[[A-Z][A-Z0-9_-]*\]`)
	bracketTimestamp = regexp.MustCompile(`\[\d{1,4}[-/:]\d{1,2}[-/:.\d\sAPMapm]*\]`)
)

// AdditionalCleanup strips [TAG] log markers, bracketed timestamps, and
// anything outside printable ASCII that survived earlier passes (emoji
// arriving through OCR confusion).
func AdditionalCleanup(text string) string {
	text = bracketTimestamp.ReplaceAllString(text, " ")
	text = tagMarkerPattern.ReplaceAllString(text, " ")
	var b strings.Builder
	for _, r := range text {
		if r == '\n' || (r >= 0x20 && r < 0x7f) {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllLiteralString(b.String(), " "))
}

// delimiter replaces stretches of removed noise.
const delimiter = "---"

var timestampPattern = regexp.MustCompile(`(?i)\b(?:(?:mon|tue|wed|thu|fri|sat|sun)[a-z]*(?:jan|feb|mar|apr|may|jun|jul|aug|sep|oct|nov|dec)[a-z]*\d{1,2}|\d{1,2}:\d{2}(?::\d{2})?(?:\s?[ap]m)?)\b`)

// protectedWords are short common words never treated as nonsense.
var protectedWords = map[string]bool{
	"a": true, "i": true, "an": true, "am": true, "as": true, "at": true,
	"be": true, "by": true, "do": true, "go": true, "he": true, "if": true,
	"in": true, "is": true, "it": true, "me": true, "my": true, "no": true,
	"of": true, "ok": true, "on": true, "or": true, "so": true, "to": true,
	"up": true, "us": true, "we": true,
	"and": true, "are": true, "but": true, "can": true, "day": true,
	"for": true, "get": true, "has": true, "him": true, "his": true,
	"how": true, "new": true, "not": true, "now": true, "old": true,
	"one": true, "our": true, "out": true, "see": true, "the": true,
	"two": true, "was": true, "way": true, "who": true, "you": true,
	"all": true, "her": true, "man": true, "js": true, "ts": true,
	"css": true, "sql": true, "npm": true, "git": true, "cli": true,
	"pdf": true, "app": true, "api": true, "url": true, "www": true,
}

// FilterGibberish removes OCR noise while preserving timestamps verbatim.
func FilterGibberish(text string) string {
	// Timestamps get placeholders so no later pass can damage them.
	var stamps []string
	text = timestampPattern.ReplaceAllStringFunc(text, func(m string) string {
		stamps = append(stamps, m)
		return placeholder(len(stamps) - 1)
	})

	tokens := strings.Fields(text)
	tokens = collapseSingleLetterRuns(tokens)
	for i, tok := range tokens {
		if punctuationDense(tok) {
			tokens[i] = delimiter
		}
	}

	marked := markNonsenseWindows(tokens)
	var kept []string
	for i, tok := range tokens {
		if marked[i] && !isProtectedToken(tok) {
			kept = append(kept, delimiter)
			continue
		}
		// Individual pass: isolated nonsense that escaped every window.
		if nonsenseToken(tok) && !isProtectedToken(tok) {
			continue
		}
		kept = append(kept, tok)
	}

	out := strings.Join(collapseDelimiters(kept), " ")
	for i, stamp := range stamps {
		out = strings.ReplaceAll(out, placeholder(i), stamp)
	}
	return strings.TrimSpace(out)
}

func placeholder(i int) string {
	return fmt.Sprintf("__TS%d__", i)
}

func isPlaceholder(tok string) bool {
	return strings.HasPrefix(tok, "__TS") && strings.HasSuffix(tok, "__")
}

func isProtectedToken(tok string) bool {
	return isPlaceholder(tok) || tok == delimiter || protectedWords[strings.ToLower(tok)]
}

// collapseSingleLetterRuns replaces runs of 3+ single-letter tokens with the
// delimiter.
func collapseSingleLetterRuns(tokens []string) []string {
	var out []string
	i := 0
	for i < len(tokens) {
		j := i
		for j < len(tokens) && isSingleLetter(tokens[j]) {
			j++
		}
		if j-i >= 3 {
			out = append(out, delimiter)
		} else {
			out = append(out, tokens[i:j]...)
		}
		if j == i {
			out = append(out, tokens[i])
			j = i + 1
		}
		i = j
	}
	return out
}

func isSingleLetter(tok string) bool {
	if len(tok) != 1 {
		return false
	}
	r := rune(tok[0])
	return unicode.IsLetter(r) && !protectedWords[strings.ToLower(tok)]
}

// punctuationDense reports whether over half of a token is punctuation.
func punctuationDense(tok string) bool {
	if len(tok) < 2 || isPlaceholder(tok) {
		return false
	}
	punct := 0
	for _, r := range tok {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			punct++
		}
	}
	return punct*2 > len(tok)
}

const (
	windowSize       = 6
	windowNonsense   = 4
	minVowelRatio    = 0.2
	maxLeadConsonant = 3
	maxTailConsonant = 4
)

// markNonsenseWindows slides a 6-token window; a window holding 4 or more
// nonsense tokens marks all of its tokens for replacement.
func markNonsenseWindows(tokens []string) []bool {
	nonsense := make([]bool, len(tokens))
	for i, tok := range tokens {
		nonsense[i] = nonsenseToken(tok) && !isProtectedToken(tok)
	}
	marked := make([]bool, len(tokens))
	for start := 0; start+windowSize <= len(tokens); start++ {
		count := 0
		for k := start; k < start+windowSize; k++ {
			if nonsense[k] {
				count++
			}
		}
		if count >= windowNonsense {
			for k := start; k < start+windowSize; k++ {
				marked[k] = true
			}
		}
	}
	return marked
}

// nonsenseToken applies the consonant/vowel shape heuristics.
func nonsenseToken(tok string) bool {
	if isPlaceholder(tok) || tok == delimiter {
		return false
	}
	word := strings.ToLower(strings.Trim(tok, ".,!?;:'\""))
	if word == "" || protectedWords[word] {
		return false
	}
	if !isAlpha(word) {
		return false
	}
	vowels := 0
	for _, r := range word {
		if strings.ContainsRune("aeiouy", r) {
			vowels++
		}
	}
	n := len(word)
	switch {
	case n >= 3 && vowels == 0:
		return true
	case n <= 4 && float64(vowels)/float64(n) < minVowelRatio:
		return true
	case n <= 5 && leadingConsonants(word) >= maxLeadConsonant:
		return true
	case trailingConsonants(word) >= maxTailConsonant:
		return true
	}
	return false
}

func isAlpha(word string) bool {
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return len(word) > 0
}

func leadingConsonants(word string) int {
	n := 0
	for _, r := range word {
		if strings.ContainsRune("aeiouy", r) {
			break
		}
		n++
	}
	return n
}

func trailingConsonants(word string) int {
	n := 0
	for i := len(word) - 1; i >= 0; i-- {
		if strings.ContainsRune("aeiouy", rune(word[i])) {
			break
		}
		n++
	}
	return n
}

// collapseDelimiters merges adjacent delimiters into one.
func collapseDelimiters(tokens []string) []string {
	var out []string
	for _, tok := range tokens {
		if tok == delimiter && len(out) > 0 && out[len(out)-1] == delimiter {
			continue
		}
		out = append(out, tok)
	}
	return out
}
