// Package tokens estimates the token cost of text and uploaded files.
//
// Estimates are heuristic: roughly four characters per token for text and
// 250 tokens per KiB for binary content.
package tokens

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	charsPerToken   = 4
	tokensPerBinKiB = 250
)

// textExtensions lists the file extensions decoded as UTF-8 text.
var textExtensions = []string{".csv", ".txt", ".json", ".md", ".py", ".js"}

// FileEstimate describes the estimated token cost of a file.
type FileEstimate struct {
	Tokens    int     `json:"tokens"`
	SizeBytes int     `json:"size_bytes"`
	SizeKB    float64 `json:"size_kb"`
	// Estimated is false when the tokens were counted from decoded text.
	Estimated bool   `json:"estimated"`
	Type      string `json:"type"`
}

// EstimateText returns the approximate number of tokens in s.
func EstimateText(s string) int {
	return utf8.RuneCountInString(s) / charsPerToken
}

// EstimateFile estimates the tokens of content. Files with a text extension
// holding valid UTF-8 are counted as text, anything else is sized as binary.
func EstimateFile(content []byte, filename string) FileEstimate {
	size := len(content)
	kb := float64(size) / 1024
	if isTextName(filename) && utf8.Valid(content) {
		return FileEstimate{
			Tokens:    EstimateText(string(content)),
			SizeBytes: size,
			SizeKB:    round2(kb),
			Estimated: false,
			Type:      "text",
		}
	}
	return FileEstimate{
		Tokens:    int(kb * tokensPerBinKiB),
		SizeBytes: size,
		SizeKB:    round2(kb),
		Estimated: true,
		Type:      "binary",
	}
}

func isTextName(name string) bool {
	for _, ext := range textExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
