package detector

import (
	"context"
	"regexp"

	"github.com/kindline-ai/kindline/internal/signal"
)

// LexiconDetector is the built-in first-line detector: regex and keyword
// heuristics over the raw text. It is deliberately blunt (high scores on
// explicit phrasing, silence otherwise) and exists so the engine has a
// floor of coverage even when every remote detector is down.
type LexiconDetector struct {
	rules []lexiconRule
}

type lexiconRule struct {
	kind  signal.Kind
	score float64
	re    *regexp.Regexp
}

// NewLexicon builds the detector with its built-in rule set.
func NewLexicon() *LexiconDetector {
	return &LexiconDetector{
		rules: []lexiconRule{
			{signal.KindExplicitSuicidePlan, 0.95, regexp.MustCompile(`(?i)\b(kill myself|end my life|end it all) (tonight|today|tomorrow|this week)\b`)},
			{signal.KindExplicitSuicidePlan, 0.90, regexp.MustCompile(`(?i)\b(i have|i've got) (the |a )?(pills|rope|gun|plan) (ready|to do it)\b`)},
			{signal.KindSelfHarmRisk, 0.70, regexp.MustCompile(`(?i)\b(kill myself|end my life|hurt myself|self[- ]harm|don'?t want to (live|be here|wake up))\b`)},
			{signal.KindSelfHarmRisk, 0.55, regexp.MustCompile(`(?i)\b(no reason to (live|go on)|better off without me|can'?t go on)\b`)},
			{signal.KindExplicitViolencePlan, 0.90, regexp.MustCompile(`(?i)\b(i (will|am going to) (kill|hurt|shoot|stab) (him|her|them|you))\b.*\b(tonight|today|tomorrow|when i see)\b`)},
			{signal.KindViolenceThreat, 0.70, regexp.MustCompile(`(?i)\b(i (will|want to|could) (kill|hurt|destroy|beat) (him|her|them|you))\b`)},
			{signal.KindViolenceThreat, 0.50, regexp.MustCompile(`(?i)\b(you('ll| will) (pay|regret|be sorry))\b`)},
			{signal.KindChildHarmIntent, 0.85, regexp.MustCompile(`(?i)\b(hurt|punish|take( away)?|snatch) (the|my|our) (kid|kids|child|children|son|daughter)\b`)},
			{signal.KindManipulation, 0.60, regexp.MustCompile(`(?i)\b(if you (really )?loved me|after (all|everything) i('ve| have) done for you|you owe me)\b`)},
			{signal.KindManipulation, 0.45, regexp.MustCompile(`(?i)\b(nobody else (will|would) (love|want) you|you('re| are) nothing without me)\b`)},
			{signal.KindImpoliteness, 0.55, regexp.MustCompile(`(?i)\b(idiot|stupid|worthless|pathetic|shut up|hate you)\b`)},
			{signal.KindToxicity, 0.60, regexp.MustCompile(`(?i)\b(you disgust me|i despise you|go to hell)\b`)},
			{signal.KindPIILeak, 0.80, regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)},
			{signal.KindPIILeak, 0.70, regexp.MustCompile(`\+?\d[\d\s\-()]{7,}\d`)},
			{signal.KindPIILeak, 0.60, regexp.MustCompile(`(?i)\b\d{1,5}\s+[A-Za-z][A-Za-z\s]{2,30}\s(street|st|avenue|ave|road|rd|lane|ln|drive|dr)\b`)},
		},
	}
}

func (d *LexiconDetector) Name() string { return "lexicon" }

func (d *LexiconDetector) Kinds() []signal.Kind {
	seen := map[signal.Kind]struct{}{}
	var kinds []signal.Kind
	for _, r := range d.rules {
		if _, ok := seen[r.kind]; ok {
			continue
		}
		seen[r.kind] = struct{}{}
		kinds = append(kinds, r.kind)
	}
	return kinds
}

// Evaluate scans the text against every rule, keeping the highest-scoring
// match per kind with the matched spans as evidence.
func (d *LexiconDetector) Evaluate(ctx context.Context, in Input) ([]RawFinding, error) {
	best := map[signal.Kind]RawFinding{}

	for _, rule := range d.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		locs := rule.re.FindAllStringIndex(in.Text, 4)
		if len(locs) == 0 {
			continue
		}
		spans := make([]signal.Span, 0, len(locs))
		for _, loc := range locs {
			spans = append(spans, signal.Span{
				Start:   loc[0],
				End:     loc[1],
				Excerpt: in.Text[loc[0]:loc[1]],
			})
		}
		cur, ok := best[rule.kind]
		if !ok || rule.score > cur.Score {
			best[rule.kind] = RawFinding{
				Kind:       rule.kind,
				Score:      rule.score,
				Confidence: 0.9, // lexicon matches are near-certain about the phrase, not the intent
				Spans:      spans,
			}
		}
	}

	out := make([]RawFinding, 0, len(best))
	for _, f := range best {
		out = append(out, f)
	}
	return out, nil
}
