// Package detect watches transcript text for arrival and phrase-learning
// mentions the model did not turn into tool calls, and reports them to the
// game through the same handlers.
package detect

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	minNameWordLen = 4
)

// Achievement is an award returned by the game for a visit or phrase.
type Achievement struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Points      int    `json:"points,omitempty"`
}

type VisitFunc func(ctx context.Context, loc Location) ([]Achievement, error)
type LearnFunc func(ctx context.Context, phrase Phrase) ([]Achievement, error)

type Config struct {
	Vocabulary *Vocabulary
	OnVisit    VisitFunc
	OnLearn    LearnFunc
	Logger     *slog.Logger
}

// Outcome reports what one observed turn triggered.
type Outcome struct {
	Visited      *Location
	Learned      *Phrase
	Achievements []Achievement
}

// Detector is safe for concurrent use. Each location and phrase has at most
// one handler call in flight.
type Detector struct {
	vocab   *Vocabulary
	onVisit VisitFunc
	onLearn LearnFunc
	logger  *slog.Logger

	mu       sync.Mutex
	visited  map[string]struct{}
	learned  map[string]struct{}
	inflight map[string]struct{}
}

func New(cfg Config) *Detector {
	vocab := cfg.Vocabulary
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		vocab:    vocab,
		onVisit:  cfg.OnVisit,
		onLearn:  cfg.OnLearn,
		logger:   logger,
		visited:  make(map[string]struct{}),
		learned:  make(map[string]struct{}),
		inflight: make(map[string]struct{}),
	}
}

// MarkVisited seeds location ids already visited.
func (d *Detector) MarkVisited(ids ...string) {
	d.mu.Lock()
	for _, id := range ids {
		d.visited[id] = struct{}{}
	}
	d.mu.Unlock()
}

// MarkLearned seeds phrases already learned, in canonical script.
func (d *Detector) MarkLearned(phrases ...string) {
	d.mu.Lock()
	for _, p := range phrases {
		d.learned[p] = struct{}{}
	}
	d.mu.Unlock()
}

func (d *Detector) IsVisited(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.visited[id]
	return ok
}

func (d *Detector) IsLearned(text string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.learned[text]
	return ok
}

// Observe checks one transcript turn. Visits are only detected in user turns;
// phrase learning in turns of either role. Handlers run synchronously.
func (d *Detector) Observe(ctx context.Context, role, text string) Outcome {
	var out Outcome
	lower := strings.ToLower(text)

	if role == RoleUser && containsAny(lower, d.vocab.VisitTriggers) {
		if loc, ok := d.ResolveLocation(text); ok {
			if achievements, ok := d.visit(ctx, loc); ok {
				out.Visited = &loc
				out.Achievements = append(out.Achievements, achievements...)
			}
		}
	}

	if containsAny(lower, d.vocab.PhraseTriggers) {
		if phrase, ok := d.ResolvePhrase(text); ok {
			if achievements, ok := d.learn(ctx, phrase); ok {
				out.Learned = &phrase
				out.Achievements = append(out.Achievements, achievements...)
			}
		}
	}
	return out
}

// ResolveLocation finds the location text refers to: a full name first, then
// any name word of four or more letters, then the alias table.
func (d *Detector) ResolveLocation(text string) (Location, bool) {
	lower := strings.ToLower(text)
	for _, loc := range d.vocab.Locations {
		if strings.Contains(lower, strings.ToLower(loc.Name)) {
			return loc, true
		}
	}
	for _, loc := range d.vocab.Locations {
		for _, word := range strings.Fields(loc.Name) {
			if utf8.RuneCountInString(word) < minNameWordLen {
				continue
			}
			if strings.Contains(lower, strings.ToLower(word)) {
				return loc, true
			}
		}
	}
	for _, a := range d.vocab.Aliases {
		if strings.Contains(lower, strings.ToLower(a.Alias)) {
			if loc, ok := d.vocab.locationByName(a.Location); ok {
				return loc, true
			}
		}
	}
	return Location{}, false
}

// ResolvePhrase finds a known phrase by canonical script or by a whole-word
// transliteration.
func (d *Detector) ResolvePhrase(text string) (Phrase, bool) {
	lower := strings.ToLower(text)
	for _, p := range d.vocab.Phrases {
		if strings.Contains(lower, strings.ToLower(p.Text)) {
			return p, true
		}
	}
	words := " " + strings.Join(strings.FieldsFunc(lower, notWordRune), " ") + " "
	for _, p := range d.vocab.Phrases {
		for _, tr := range p.Transliterations {
			tr = strings.Join(strings.FieldsFunc(strings.ToLower(tr), notWordRune), " ")
			if tr != "" && strings.Contains(words, " "+tr+" ") {
				return p, true
			}
		}
	}
	return Phrase{}, false
}

func (d *Detector) visit(ctx context.Context, loc Location) ([]Achievement, bool) {
	key := "visit:" + loc.ID
	if !d.begin(key, func() bool {
		_, done := d.visited[loc.ID]
		return done
	}) {
		return nil, false
	}
	defer d.end(key)

	if d.onVisit == nil {
		return nil, false
	}
	achievements, err := d.onVisit(ctx, loc)
	if err != nil {
		d.logger.Warn("detected visit was not recorded", "location_id", loc.ID, "error", err)
		return nil, false
	}
	d.mu.Lock()
	d.visited[loc.ID] = struct{}{}
	d.mu.Unlock()
	d.logger.Info("visit detected from transcript", "location_id", loc.ID, "achievements", len(achievements))
	return achievements, true
}

func (d *Detector) learn(ctx context.Context, phrase Phrase) ([]Achievement, bool) {
	key := "learn:" + phrase.Text
	if !d.begin(key, func() bool {
		_, done := d.learned[phrase.Text]
		return done
	}) {
		return nil, false
	}
	defer d.end(key)

	if d.onLearn == nil {
		return nil, false
	}
	achievements, err := d.onLearn(ctx, phrase)
	if err != nil {
		d.logger.Warn("detected phrase was not recorded", "phrase", phrase.Text, "error", err)
		return nil, false
	}
	d.mu.Lock()
	d.learned[phrase.Text] = struct{}{}
	d.mu.Unlock()
	d.logger.Info("phrase detected from transcript", "phrase", phrase.Text, "achievements", len(achievements))
	return achievements, true
}

// begin claims key unless done reports the work as already recorded or
// another call holds it. done runs under d.mu.
func (d *Detector) begin(key string, done func() bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if done() {
		return false
	}
	if _, busy := d.inflight[key]; busy {
		return false
	}
	d.inflight[key] = struct{}{}
	return true
}

func (d *Detector) end(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

func containsAny(lower string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(lower, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

func notWordRune(r rune) bool {
	return !unicode.IsLetter(r) && !unicode.IsDigit(r)
}
