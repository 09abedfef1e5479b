package internal_slides

import (
	"context"
	"sort"
	"strings"
	"unicode"

	internal_type "github.com/sagiri2004/itss-nihongo-sub000/api/transcription-api/internal/type"
	"github.com/sagiri2004/itss-nihongo-sub000/pkg/commons"
)

// MinScore is the acceptance threshold: matches scoring below it are
// discarded and the final stays unannotated.
const MinScore = 0.35

// Slide is one page of the presentation with its extracted keywords.
type Slide struct {
	Page     int      `json:"page"`
	Keywords []string `json:"keywords"`
}

// Matcher scores a final transcript against the keyword index of each slide
// and returns the best page. The index is immutable after construction, so
// Match is safe for concurrent use.
type Matcher struct {
	logger commons.Logger
	slides []indexedSlide
}

type indexedSlide struct {
	page     int
	keywords []string
}

// NewMatcher normalizes the keyword index. Slides without keywords are
// skipped; an empty index yields a matcher that never matches.
func NewMatcher(logger commons.Logger, slides []Slide) *Matcher {
	m := &Matcher{logger: logger}
	for _, s := range slides {
		var kws []string
		for _, kw := range s.Keywords {
			kw = normalize(kw)
			if kw != "" {
				kws = append(kws, kw)
			}
		}
		if len(kws) > 0 {
			m.slides = append(m.slides, indexedSlide{page: s.Page, keywords: kws})
		}
	}
	return m
}

// Empty reports whether the index has no usable slides.
func (m *Matcher) Empty() bool { return len(m.slides) == 0 }

// Match scores the final text against every slide and returns the best page,
// or nil when nothing clears the threshold. A slide's score is the fraction
// of its keywords found in the text; the confidence is the margin over the
// runner-up, so a text matching two slides equally well scores low confidence.
func (m *Matcher) Match(ctx context.Context, finalText string) (*internal_type.SlideMatch, error) {
	text := normalize(finalText)
	if text == "" || len(m.slides) == 0 {
		return nil, nil
	}
	tokens := tokenSet(text)

	type candidate struct {
		page    int
		score   float64
		matched []string
	}
	var candidates []candidate
	for _, s := range m.slides {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var matched []string
		for _, kw := range s.keywords {
			if containsKeyword(text, tokens, kw) {
				matched = append(matched, kw)
			}
		}
		if len(matched) == 0 {
			continue
		}
		candidates = append(candidates, candidate{
			page:    s.page,
			score:   float64(len(matched)) / float64(len(s.keywords)),
			matched: matched,
		})
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].page < candidates[j].page
	})

	best := candidates[0]
	if best.score < MinScore {
		return nil, nil
	}
	confidence := best.score
	if len(candidates) > 1 {
		confidence = best.score - candidates[1].score
		if confidence < 0 {
			confidence = 0
		}
	}

	return &internal_type.SlideMatch{
		Page:            best.page,
		Score:           best.score,
		Confidence:      confidence,
		MatchedKeywords: best.matched,
	}, nil
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// containsKeyword matches CJK keywords by substring (Japanese transcripts
// carry no word boundaries) and everything else by whole token.
func containsKeyword(text string, tokens map[string]struct{}, kw string) bool {
	if hasCJK(kw) {
		return strings.Contains(text, kw)
	}
	if _, ok := tokens[kw]; ok {
		return true
	}
	// Multi-word keywords ("machine learning") fall back to substring.
	if strings.ContainsRune(kw, ' ') {
		return strings.Contains(text, kw)
	}
	return false
}

func tokenSet(text string) map[string]struct{} {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func hasCJK(s string) bool {
	for _, r := range s {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana) {
			return true
		}
	}
	return false
}
