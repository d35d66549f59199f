package subaru

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// RecommendationType tells where a recommendation came from.
type RecommendationType string

const (
	RecommendationAutoFix     RecommendationType = "pattern-derived"
	RecommendationHistorical  RecommendationType = "historical"
	RecommendationEnvironment RecommendationType = "environment"
)

// Recommendation is one candidate remedy, scored per request.
type Recommendation struct {
	Type               RecommendationType
	Priority           int
	Title              string
	Description        string
	Command            string
	Commands           []string
	Confidence         float64
	SuccessProbability float64
	UsageCount         int
	AvgRecoveryTime    time.Duration
}

// DetectedPattern is a library match enriched with a per-request confidence.
type DetectedPattern struct {
	Name           string
	Severity       Severity
	Description    string
	AutoFixCommand string
	MatchCount     int
	Confidence     float64
}

// GuidanceResult is the full output of one guidance request.
type GuidanceResult struct {
	BuildID               string
	Stage                 string
	DetectedPatterns      []DetectedPattern
	HistoricalSuccessRate float64
	SimilarFailures       int
	Recommendations       []Recommendation
	RiskFactors           []RiskFactor
	ConfidenceScore       float64
}

const (
	historyLookback    = 90 * 24 * time.Hour
	remedyLookback     = 60 * 24 * time.Hour
	maxDetectedPattern = 5
	maxRecommendations = 10

	// Flat confidence reported when no pattern matched. Not an error
	// condition; the recommendation list is empty but valid.
	noPatternConfidence = 30.0
)

// GuidanceEngine turns detected patterns and historical remediation records
// into prioritized, confidence-scored recommendations.
type GuidanceEngine struct {
	Store   Store
	Matcher *PatternMatcher
}

// NewGuidanceEngine wires an engine over store and matcher. A nil matcher
// gets the stock catalog.
func NewGuidanceEngine(store Store, matcher *PatternMatcher) *GuidanceEngine {
	if matcher == nil {
		matcher = NewPatternMatcher(nil)
	}
	return &GuidanceEngine{Store: store, Matcher: matcher}
}

// Recommend analyzes errorText for the given stage and returns ranked
// recovery recommendations. Store failures degrade the result rather than
// failing it; analysis must never mask the build failure it explains.
func (g *GuidanceEngine) Recommend(ctx context.Context, buildID, stageName, errorText string) (*GuidanceResult, error) {
	result := &GuidanceResult{BuildID: buildID, Stage: stageName}

	// 1. Historical context for this stage.
	hist, err := g.Store.StageHistory(ctx, stageName, time.Now().Add(-historyLookback))
	if err != nil {
		debugf("stage history lookup failed for %s: %v\n", stageName, err)
		hist = StageHistory{}
	}
	result.HistoricalSuccessRate = hist.SuccessRate()
	result.SimilarFailures = hist.Failures

	// 2. Pattern detection with per-match confidence, top N kept.
	result.DetectedPatterns = g.detectPatterns(errorText)

	// 3. Environment risk factors captured at build start.
	if env, err := g.Store.Environment(ctx, buildID); err != nil {
		debugf("environment lookup failed for %s: %v\n", buildID, err)
	} else if env != nil {
		result.RiskFactors = env.RiskFactors()
	}

	// 4. Candidate recommendations from all three sources.
	result.Recommendations = g.buildRecommendations(ctx, result, hist)

	// 5. Overall confidence.
	result.ConfidenceScore = g.confidenceScore(result.DetectedPatterns, hist)

	return result, nil
}

func (g *GuidanceEngine) detectPatterns(errorText string) []DetectedPattern {
	matches := g.Matcher.Classify(errorText)

	detected := make([]DetectedPattern, 0, len(matches))
	for _, m := range matches {
		pattern := g.Matcher.Library.Find(m.PatternName)
		specific := pattern != nil && len(pattern.Pattern) > 20
		detected = append(detected, DetectedPattern{
			Name:           m.PatternName,
			Severity:       m.Severity,
			Description:    m.Description,
			AutoFixCommand: m.AutoFixCommand,
			MatchCount:     m.Count,
			Confidence:     patternConfidence(m.Count, specific),
		})
	}

	sort.SliceStable(detected, func(i, j int) bool {
		return detected[i].Confidence > detected[j].Confidence
	})
	if len(detected) > maxDetectedPattern {
		detected = detected[:maxDetectedPattern]
	}
	return detected
}

// patternConfidence scores one match: base confidence grows with the
// occurrence count, more specific patterns get a boost, capped at 95.
func patternConfidence(matchCount int, specific bool) float64 {
	confidence := 50.0 + float64(matchCount)*10
	if confidence > 90 {
		confidence = 90
	}
	if specific {
		confidence += 10
	}
	if confidence > 95 {
		confidence = 95
	}
	return confidence
}

func (g *GuidanceEngine) buildRecommendations(ctx context.Context, result *GuidanceResult, hist StageHistory) []Recommendation {
	var recs []Recommendation
	successRate := hist.SuccessRate()

	// (a) Pattern-derived automatic fixes.
	for _, p := range result.DetectedPatterns {
		if p.AutoFixCommand == "" {
			continue
		}
		recs = append(recs, Recommendation{
			Type:        RecommendationAutoFix,
			Priority:    autoFixPriority(p, successRate),
			Title:       "Auto-fix for " + p.Name,
			Description: p.Description,
			Command:     p.AutoFixCommand,
			Confidence:  p.Confidence,
		})
	}

	// (b) Historically successful remedy sequences for the matched patterns.
	if len(result.DetectedPatterns) > 0 {
		names := make([]string, len(result.DetectedPatterns))
		for i, p := range result.DetectedPatterns {
			names[i] = p.Name
		}
		remedies, err := g.Store.RemedyOutcomes(ctx, names, time.Now().Add(-remedyLookback))
		if err != nil {
			debugf("remedy outcome lookup failed: %v\n", err)
		}
		for _, rm := range remedies {
			recs = append(recs, Recommendation{
				Type:     RecommendationHistorical,
				Priority: 80 + rm.UsageCount*2,
				Title:    "Previously successful fix for " + rm.PatternName,
				Description: fmt.Sprintf("Used %d times successfully, average recovery %s",
					rm.UsageCount, rm.AvgRecoveryTime.Round(time.Second)),
				Commands:        rm.Commands,
				UsageCount:      rm.UsageCount,
				AvgRecoveryTime: rm.AvgRecoveryTime,
			})
		}
	}

	// (c) Environment-risk-derived suggestions.
	for _, risk := range result.RiskFactors {
		recs = append(recs, Recommendation{
			Type:        RecommendationEnvironment,
			Priority:    70,
			Title:       "Environment: " + risk.Factor,
			Description: risk.Suggestion,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority > recs[j].Priority
	})
	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}

	for i := range recs {
		recs[i].SuccessProbability = successProbability(&recs[i], successRate)
	}
	return recs
}

// autoFixPriority = base + severity boost + confidence boost + historical
// success boost.
func autoFixPriority(p DetectedPattern, successRate float64) int {
	base := 50.0
	switch p.Severity {
	case SeverityCritical:
		base += 40
	case SeverityHigh:
		base += 30
	case SeverityMedium:
		base += 20
	case SeverityLow:
		base += 10
	default:
		base += 15
	}
	base += p.Confidence * 0.3
	base += successRate * 0.2
	return int(base)
}

// successProbability blends the stage's historical success rate with a
// type-specific boost, capped to [0, 95].
func successProbability(rec *Recommendation, successRate float64) float64 {
	p := successRate
	switch rec.Type {
	case RecommendationAutoFix:
		p += rec.Confidence * 0.3
	case RecommendationHistorical:
		boost := float64(rec.UsageCount) * 5
		if boost > 30 {
			boost = 30
		}
		p += boost
	case RecommendationEnvironment:
		p += 20
		if p > 90 {
			p = 90
		}
	}
	if p > 95 {
		p = 95
	}
	if p < 0 {
		p = 0
	}
	return p
}

// confidenceScore is the mean pattern confidence adjusted upward by the
// volume of similar historical failures and the historical success rate.
func (g *GuidanceEngine) confidenceScore(patterns []DetectedPattern, hist StageHistory) float64 {
	if len(patterns) == 0 {
		return noPatternConfidence
	}

	var sum float64
	for _, p := range patterns {
		sum += p.Confidence
	}
	confidence := sum / float64(len(patterns))

	historyBoost := float64(hist.Failures) * 2
	if historyBoost > 20 {
		historyBoost = 20
	}
	confidence += historyBoost
	confidence += hist.SuccessRate() * 0.2

	if confidence > 95 {
		confidence = 95
	}
	return confidence
}
