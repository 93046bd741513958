package preemptive

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/compresr/kiro-gateway/internal/anthropic"
)

// PruneToFit reduces a conversation until its estimated cost fits budget.
// It works on a deep copy and stops as soon as the total fits:
//  1. messages costing more than budget/3 keep only their tail
//  2. older messages become 100-char summaries, keeping the last 5 intact
//  3. oldest messages are evicted while more than 5 remain
//  4. every message but the last is summarized
//  5. oldest messages are evicted down to one
//  6. the survivor's leading text is cut until it fits
//
// Content shape (string or block array) is preserved. The result fits
// whenever budget covers one empty message; applying PruneToFit to its own
// output returns an equal conversation.
func PruneToFit(msgs []anthropic.Message, budget int, counter MessageCounter) []anthropic.Message {
	p := newPruner(msgs, budget, counter)
	if p.fits() {
		return p.msgs
	}
	before, count := p.total, len(p.msgs)

	stages := []struct {
		name string
		run  func()
	}{
		{"trim_long", p.trimLong},
		{"summarize_old", func() { p.summarizeRange(len(p.msgs) - KeepRecentMessages) }},
		{"evict_old", func() { p.evictDownTo(KeepRecentMessages) }},
		{"summarize_rest", func() { p.summarizeRange(len(p.msgs) - 1) }},
		{"evict_rest", func() { p.evictDownTo(1) }},
		{"truncate_last", p.truncateFirst},
	}
	for _, stage := range stages {
		stage.run()
		if p.fits() {
			log.Debug().
				Str("stage", stage.name).
				Int("tokens_before", before).
				Int("tokens_after", p.total).
				Int("messages_before", count).
				Int("messages_after", len(p.msgs)).
				Int("budget", budget).
				Msg("prune: conversation fits")
			return p.msgs
		}
	}

	log.Debug().Int("tokens", p.total).Int("budget", budget).Msg("prune: budget below single-message floor")
	return p.msgs
}

type pruner struct {
	msgs    []anthropic.Message
	costs   []int
	total   int
	budget  int
	counter MessageCounter
}

func newPruner(msgs []anthropic.Message, budget int, counter MessageCounter) *pruner {
	p := &pruner{
		msgs:    anthropic.CloneMessages(msgs),
		costs:   make([]int, len(msgs)),
		budget:  budget,
		counter: counter,
	}
	for i, m := range p.msgs {
		p.costs[i] = counter.Message(m)
		p.total += p.costs[i]
	}
	return p
}

func (p *pruner) fits() bool { return p.total <= p.budget }

func (p *pruner) set(i int, m anthropic.Message) {
	p.total -= p.costs[i]
	p.msgs[i] = m
	p.costs[i] = p.counter.Message(m)
	p.total += p.costs[i]
}

func (p *pruner) evictDownTo(keep int) {
	for len(p.msgs) > keep && !p.fits() {
		p.total -= p.costs[0]
		p.msgs = p.msgs[1:]
		p.costs = p.costs[1:]
	}
}

// trimLong cuts the head off every message costing more than a third of the
// budget, largest first, by no more than the current overflow.
func (p *pruner) trimLong() {
	third := p.budget / 3
	var long []int
	for i, c := range p.costs {
		if c > third {
			long = append(long, i)
		}
	}
	sort.SliceStable(long, func(a, b int) bool {
		return len(flatText(p.msgs[long[a]])) > len(flatText(p.msgs[long[b]]))
	})
	for _, i := range long {
		if p.fits() {
			return
		}
		delta := min(p.total-p.budget, p.costs[i]-third)
		p.set(i, tailToFit(p.msgs[i], p.costs[i]-delta, p.counter))
	}
}

// summarizeRange replaces messages [0, end) with short summaries.
func (p *pruner) summarizeRange(end int) {
	for i := 0; i < end && !p.fits(); i++ {
		if isSummary(p.msgs[i]) {
			continue
		}
		s := summarize(p.msgs[i])
		if p.counter.Message(s) < p.costs[i] {
			p.set(i, s)
		}
	}
}

func (p *pruner) truncateFirst() {
	if len(p.msgs) == 0 {
		return
	}
	target := p.costs[0] - (p.total - p.budget)
	p.set(0, tailToFit(p.msgs[0], target, p.counter))
}

// =============================================================================
// HELPERS
// =============================================================================

// flatText is the text a pruned message can keep: text blocks and tool
// result text, in order.
func flatText(m anthropic.Message) string {
	if !m.Content.IsArray {
		return m.Content.Text
	}
	var parts []string
	for _, b := range m.Content.Blocks {
		switch b.Type {
		case anthropic.BlockText:
			parts = append(parts, b.Text)
		case anthropic.BlockToolResult:
			parts = append(parts, b.ResultText())
		}
	}
	return strings.Join(parts, "\n")
}

func withText(m anthropic.Message, text string) anthropic.Message {
	return anthropic.Message{
		Role:             m.Role,
		Content:          m.Content.WithText(text),
		AdditionalKwargs: m.AdditionalKwargs,
	}
}

func summarize(m anthropic.Message) anthropic.Message {
	text := flatText(m)
	if utf8.RuneCountInString(text) > SummaryPrefixChars {
		text = string([]rune(text)[:SummaryPrefixChars])
	}
	return withText(m, text+"...")
}

func isSummary(m anthropic.Message) bool {
	text := flatText(m)
	return strings.HasSuffix(text, "...") && utf8.RuneCountInString(text) <= SummaryPrefixChars+3
}

// tailToFit keeps the longest tail of the message text whose cost is at most
// target.
func tailToFit(m anthropic.Message, target int, counter MessageCounter) anthropic.Message {
	runes := []rune(flatText(m))
	cost := func(n int) int {
		return counter.Message(withText(m, string(runes[len(runes)-n:])))
	}
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if cost(mid) <= target {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return withText(m, string(runes[len(runes)-lo:]))
}
