package subaru

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// PatternMatch is one detection event: a known pattern seen in a piece of
// build output. Counts are computed fresh per analysis request; nothing in
// the library is ever mutated.
type PatternMatch struct {
	PatternName    string
	Severity       Severity
	Description    string
	Solution       string
	AutoFixCommand string
	Count          int
	Stages         map[string]int // per-stage occurrence histogram
	BuildID        string
	DetectedAt     time.Time
}

// PatternCandidate is a recurring unclassified error shape proposed by the
// discovery heuristic.
type PatternCandidate struct {
	Normalized string
	Example    string
	Count      int
}

// PatternMatcher scans build output against a PatternLibrary.
type PatternMatcher struct {
	Library *PatternLibrary

	// MinDiscoveryCount is how often a normalized error line must recur
	// before it is proposed as a new pattern. Zero means the default of 3.
	MinDiscoveryCount int
}

// NewPatternMatcher returns a matcher over lib, or over the stock catalog
// when lib is nil.
func NewPatternMatcher(lib *PatternLibrary) *PatternMatcher {
	if lib == nil {
		lib = DefaultPatternLibrary()
	}
	return &PatternMatcher{Library: lib}
}

// Classify tests every library pattern against text. A pattern may match
// many times but contributes a single aggregate PatternMatch. Results are
// sorted by (severity weight, occurrence count) descending; the call is
// idempotent.
func (m *PatternMatcher) Classify(text string) []PatternMatch {
	return m.DetectByStage(text, nil)
}

// DetectByStage is Classify with stage attribution: every match is
// attributed to each of the failed stages.
func (m *PatternMatcher) DetectByStage(text string, failedStages []string) []PatternMatch {
	now := time.Now()
	var matches []PatternMatch
	for _, p := range m.Library.Patterns() {
		count := len(p.Regexp().FindAllStringIndex(text, -1))
		if count == 0 {
			continue
		}
		match := PatternMatch{
			PatternName:    p.Name,
			Severity:       p.Severity,
			Description:    p.Description,
			Solution:       p.Solution,
			AutoFixCommand: p.AutoFixCommand,
			Count:          count,
			DetectedAt:     now,
		}
		if len(failedStages) > 0 {
			match.Stages = make(map[string]int, len(failedStages))
			for _, s := range failedStages {
				match.Stages[s] += count
			}
		}
		matches = append(matches, match)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		wi, wj := matches[i].Severity.Weight(), matches[j].Severity.Weight()
		if wi != wj {
			return wi > wj
		}
		if matches[i].Count != matches[j].Count {
			return matches[i].Count > matches[j].Count
		}
		return matches[i].PatternName < matches[j].PatternName
	})
	return matches
}

// Normalization expressions for new-pattern discovery.
var (
	discoveryTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}|\d{2}:\d{2}:\d{2}`)
	discoveryPathRe      = regexp.MustCompile(`/[^\s]*/`)
	discoveryNumberRe    = regexp.MustCompile(`\d+`)
)

var discoveryKeywords = []string{"error", "failed", "cannot", "unable"}

// DiscoverCandidates scans unclassified error-looking lines across texts,
// normalizes volatile parts (timestamps, paths, numbers) and proposes
// normalized forms that recur at least MinDiscoveryCount times and are not
// already covered by the library. A heuristic aid, not a classifier.
func (m *PatternMatcher) DiscoverCandidates(texts []string) []PatternCandidate {
	minCount := m.MinDiscoveryCount
	if minCount <= 0 {
		minCount = 3
	}

	counts := make(map[string]int)
	examples := make(map[string]string)

	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(line)
			if !looksLikeError(line) {
				continue
			}
			normalized := normalizeErrorLine(line)
			if len(normalized) <= 20 {
				continue
			}
			counts[normalized]++
			if _, ok := examples[normalized]; !ok {
				examples[normalized] = line
			}
		}
	}

	var candidates []PatternCandidate
	for normalized, count := range counts {
		if count < minCount {
			continue
		}
		if m.coveredByLibrary(examples[normalized]) {
			continue
		}
		candidates = append(candidates, PatternCandidate{
			Normalized: normalized,
			Example:    examples[normalized],
			Count:      count,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Count != candidates[j].Count {
			return candidates[i].Count > candidates[j].Count
		}
		return candidates[i].Normalized < candidates[j].Normalized
	})
	if len(candidates) > 20 {
		candidates = candidates[:20]
	}
	return candidates
}

func (m *PatternMatcher) coveredByLibrary(line string) bool {
	for _, p := range m.Library.Patterns() {
		if p.Regexp().MatchString(line) {
			return true
		}
	}
	return false
}

func looksLikeError(line string) bool {
	l := strings.ToLower(line)
	for _, kw := range discoveryKeywords {
		if strings.Contains(l, kw) {
			return true
		}
	}
	return false
}

func normalizeErrorLine(line string) string {
	cleaned := discoveryTimestampRe.ReplaceAllString(line, "")
	cleaned = discoveryPathRe.ReplaceAllString(cleaned, "/<path>/")
	cleaned = discoveryNumberRe.ReplaceAllString(cleaned, "<number>")
	return strings.TrimSpace(cleaned)
}
