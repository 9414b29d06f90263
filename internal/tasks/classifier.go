package tasks

import (
	"strings"
	"time"
)

// Classifier estimates how long a prompt will take to execute.
type Classifier interface {
	EstimateTimeout(prompt string) time.Duration
}

// ClassifierFunc adapts a plain function to the Classifier interface.
type ClassifierFunc func(prompt string) time.Duration

// EstimateTimeout implements Classifier.
func (f ClassifierFunc) EstimateTimeout(prompt string) time.Duration {
	return f(prompt)
}

const (
	baseEstimate    = 30 * time.Second
	perLengthChunk  = 15 * time.Second
	lengthChunkSize = 200
	perKeyword      = 2 * time.Minute
	maxEstimate     = 30 * time.Minute
)

// complexityKeywords are phrases that historically correlate with multi-file
// or multi-step work. Matching is case-insensitive substring.
var complexityKeywords = []string{
	"refactor",
	"migrate",
	"rewrite",
	"implement",
	"analyze",
	"entire",
	"all files",
	"whole project",
	"comprehensive",
	"test suite",
	"architecture",
}

// HeuristicClassifier derives a timeout estimate from prompt length and
// complexity keywords. It is deliberately coarse: the estimate only needs to
// pick long-running handling, not predict wall time.
type HeuristicClassifier struct{}

// EstimateTimeout returns a baseline plus increments per length chunk and per
// matched keyword, capped at maxEstimate.
func (HeuristicClassifier) EstimateTimeout(prompt string) time.Duration {
	estimate := baseEstimate

	runes := len([]rune(prompt))
	estimate += time.Duration(runes/lengthChunkSize) * perLengthChunk

	lower := strings.ToLower(prompt)
	for _, keyword := range complexityKeywords {
		if strings.Contains(lower, keyword) {
			estimate += perKeyword
		}
	}

	if estimate > maxEstimate {
		estimate = maxEstimate
	}
	return estimate
}
