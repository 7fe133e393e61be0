package embed

import (
	"hash/fnv"
	"math"
	"strings"

	"github.com/thinkdrop/user-memory-service/internal/model"
)

// trigDims is the tail of the fallback vector derived from shape statistics
// of the text rather than its tokens.
const trigDims = 20

// FallbackVector derives a stable 384-dim unit vector from text alone. Each
// unique token's hash is spread across 4 dimensions weighted by its frequency
// and relative first position; the last 20 dimensions encode text length,
// word count, and average word length through bounded trig functions. The
// result is pure: the same text always yields the same vector.
func FallbackVector(text string) []float32 {
	const body = model.EmbeddingDim - trigDims
	vec := make([]float32, model.EmbeddingDim)

	words := strings.Fields(strings.ToLower(text))
	freq := make(map[string]int, len(words))
	firstPos := make(map[string]int, len(words))
	for i, w := range words {
		if _, seen := freq[w]; !seen {
			firstPos[w] = i
		}
		freq[w]++
	}

	for w, n := range freq {
		h := fnv.New64a()
		_, _ = h.Write([]byte(w))
		sum := h.Sum64()

		relPos := 0.0
		if len(words) > 1 {
			relPos = float64(firstPos[w]) / float64(len(words)-1)
		}
		weight := float64(n) * (1 + relPos)
		for j := 0; j < 4; j++ {
			idx := int((sum >> uint(16*j)) % uint64(body))
			phase := float64(sum%997)/997*math.Pi + float64(j)
			vec[idx] += float32(weight * math.Sin(phase))
		}
	}

	textLen := float64(len(text))
	wordCount := float64(len(words))
	avgWordLen := 0.0
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += len(w)
		}
		avgWordLen = float64(total) / wordCount
	}
	for j := 0; j < trigDims; j++ {
		i := body + j
		switch j % 3 {
		case 0:
			vec[i] = float32(math.Sin(textLen / float64(j+1)))
		case 1:
			vec[i] = float32(math.Cos(wordCount / float64(j+1)))
		case 2:
			vec[i] = float32(math.Sin(avgWordLen / float64(j+1)))
		}
	}

	return l2Normalize(vec)
}

func l2Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= inv
	}
	return vec
}
