// Package trigger gates dictation on spoken start and stop phrases.
package trigger

import (
	"strings"
	"sync"
	"unicode"

	"github.com/antzucaro/matchr"
	"github.com/loqalabs/loqa-dictate/internal/config"
)

type State int

const (
	Idle State = iota
	Armed
)

func (s State) String() string {
	if s == Armed {
		return "armed"
	}
	return "idle"
}

type Config struct {
	StartPhrase string
	StopPhrase  string
	MaxWords    int
	// FuzzyThreshold enables approximate phrase matching when > 0.
	FuzzyThreshold float64
}

func ConfigFrom(cfg config.TriggerConfig) Config {
	return Config{
		StartPhrase:    cfg.StartPhrase,
		StopPhrase:     cfg.StopPhrase,
		MaxWords:       cfg.MaxWords,
		FuzzyThreshold: cfg.FuzzyThreshold,
	}
}

// Decision is the outcome of observing one chunk of recognised text.
type Decision struct {
	// Forward is true when the chunk arrived while armed and held no start or
	// stop phrase.
	Forward bool
	Changed bool
	Armed   bool
	// Matched is true when the chunk completed a start or stop phrase.
	Matched bool
}

// Machine tracks Idle/Armed state over a rolling window of recent words.
type Machine struct {
	cfg   Config
	start []string
	stop  []string

	mu       sync.Mutex
	state    State
	window   []string
	onChange func(armed bool)
}

func New(cfg Config) *Machine {
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 1000
	}
	return &Machine{
		cfg:    cfg,
		start:  Normalize(cfg.StartPhrase),
		stop:   Normalize(cfg.StopPhrase),
		window: make([]string, 0, 64),
	}
}

// OnChange registers fn to be called after every state transition.
func (m *Machine) OnChange(fn func(armed bool)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

func (m *Machine) Observe(text string) Decision {
	m.mu.Lock()
	before := m.state

	m.window = append(m.window, Normalize(text)...)
	if over := len(m.window) - m.cfg.MaxWords; over > 0 {
		m.window = append(m.window[:0], m.window[over:]...)
	}

	threshold := 1.0
	if m.cfg.FuzzyThreshold > 0 {
		threshold = m.cfg.FuzzyThreshold
	}
	// When both phrases are present the one spoken last wins. At the same
	// position the closer match wins, then start.
	start, stop := m.match(m.start, threshold), m.match(m.stop, threshold)
	switch {
	case start.ok && (!stop.ok || start.end > stop.end ||
		(start.end == stop.end && start.score >= stop.score)):
		m.state = Armed
	case stop.ok:
		m.state = Idle
	}
	matched := start.ok || stop.ok
	if matched {
		m.window = m.window[:0]
	}

	after := m.state
	notify := m.onChange
	m.mu.Unlock()

	d := Decision{
		Changed: before != after,
		Armed:   after == Armed,
		Matched: matched,
	}
	d.Forward = before == Armed && after == Armed && !matched
	if d.Changed && notify != nil {
		notify(d.Armed)
	}
	return d
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Window returns a copy of the rolling word window.
func (m *Machine) Window() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.window...)
}

// Reset returns the machine to Idle with an empty window. It reports whether
// the machine was armed.
func (m *Machine) Reset() bool {
	m.mu.Lock()
	wasArmed := m.state == Armed
	m.state = Idle
	m.window = m.window[:0]
	notify := m.onChange
	m.mu.Unlock()

	if wasArmed && notify != nil {
		notify(false)
	}
	return wasArmed
}

type phraseMatch struct {
	ok    bool
	score float64
	// end is the window index just past the matched words.
	end int
}

// match finds the latest run of words in the window that matches phrase with
// at least threshold: 1 for an exact match, otherwise the fuzzy similarity
// when enabled.
func (m *Machine) match(phrase []string, threshold float64) phraseMatch {
	n := len(phrase)
	var found phraseMatch
	if n == 0 || len(m.window) < n {
		return found
	}
	for i := 0; i+n <= len(m.window); i++ {
		candidate := m.window[i : i+n]
		score := 0.0
		switch {
		case equalWords(candidate, phrase):
			score = 1
		case m.cfg.FuzzyThreshold > 0:
			score = fuzzyScore(candidate, phrase, m.cfg.FuzzyThreshold)
		}
		if score >= threshold {
			found = phraseMatch{ok: true, score: score, end: i + n}
		}
	}
	return found
}

// Normalize lowercases text, strips punctuation and splits it into words.
func Normalize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r == '-' || r == '/':
			return ' '
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			return -1
		default:
			return unicode.ToLower(r)
		}
	}, text)
	return strings.Fields(cleaned)
}

func equalWords(a, b []string) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fuzzyScore is the Jaro-Winkler similarity of the two word runs, raised to
// threshold when every word shares its Double Metaphone code.
func fuzzyScore(candidate, phrase []string, threshold float64) float64 {
	score := matchr.JaroWinkler(strings.Join(candidate, " "), strings.Join(phrase, " "), false)
	if score >= threshold {
		return score
	}
	for i := range candidate {
		cp, _ := matchr.DoubleMetaphone(candidate[i])
		pp, _ := matchr.DoubleMetaphone(phrase[i])
		if cp == "" || cp != pp {
			return score
		}
	}
	return threshold
}
