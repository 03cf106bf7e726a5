package memory

import (
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Retrieval scope weights. Same-thread hits outrank same-topic hits
// from other agents, which outrank same-chat hits from other topics,
// which outrank global hits.
const (
	scopeThreadWeight = 30
	scopeTopicWeight  = 20
	scopeChatWeight   = 10
	scopeGlobalWeight = 0

	keywordHitWeight   = 10
	candidatesPerScope = 50
)

// RetrieveQuery scopes a retrieval request.
type RetrieveQuery struct {
	Query   string
	ChatID  int64
	TopicID string
	AgentID string
	Limit   int
}

// Retrieve returns a ranked mix of events drawn from the same thread,
// the same topic under other agents, the same chat in other topics, and
// globally. Score = scopeWeight + keywordHits*keywordHitWeight +
// recency rank bonus; ties break on newest timestamp then rowid, so
// identical inputs always rank identically.
func (s *Store) Retrieve(q RetrieveQuery) []Event {
	if q.Limit <= 0 || s.index == nil {
		return nil
	}

	threadKey := ""
	if q.TopicID != "" && q.AgentID != "" {
		threadKey = formatThreadKey(q.ChatID, q.TopicID, q.AgentID)
	}

	terms := keywords(q.Query)

	type scored struct {
		ev    indexedEvent
		score int
	}
	seen := map[int64]bool{}
	var all []scored

	collect := func(where string, weight int, args ...any) {
		events, err := s.index.recent(where, candidatesPerScope, args...)
		if err != nil {
			return
		}
		for rank, ev := range events {
			if seen[ev.rowID] {
				continue
			}
			seen[ev.rowID] = true
			// Newest candidate in a scope gets the largest recency bonus.
			bonus := candidatesPerScope - rank
			all = append(all, scored{ev: ev, score: weight + keywordHits(ev.Text, terms)*keywordHitWeight + bonus})
		}
	}

	if threadKey != "" {
		collect("thread_key = ?", scopeThreadWeight, threadKey)
		collect("chat_id = ? AND topic_id = ? AND agent_id != ?", scopeTopicWeight, q.ChatID, q.TopicID, q.AgentID)
	}
	collect("chat_id = ? AND topic_id != ?", scopeChatWeight, q.ChatID, q.TopicID)
	collect("chat_id != ?", scopeGlobalWeight, q.ChatID)

	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		if !all[i].ev.Timestamp.Equal(all[j].ev.Timestamp) {
			return all[i].ev.Timestamp.After(all[j].ev.Timestamp)
		}
		return all[i].ev.rowID > all[j].ev.rowID
	})

	// Keyword queries only surface events that matched at least one term.
	var out []Event
	for _, sc := range all {
		if len(terms) > 0 && keywordHits(sc.ev.Text, terms) == 0 {
			continue
		}
		out = append(out, sc.ev.Event)
		if len(out) >= q.Limit {
			break
		}
	}
	return out
}

func formatThreadKey(chatID int64, topicID, agentID string) string {
	return strconv.FormatInt(chatID, 10) + ":" + topicID + ":" + agentID
}

// keywords tokenizes a query into lowercase terms of three or more
// characters, capped at eight terms.
func keywords(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	var terms []string
	for _, f := range fields {
		if len([]rune(f)) < 3 {
			continue
		}
		terms = append(terms, f)
		if len(terms) == 8 {
			break
		}
	}
	return terms
}

func keywordHits(text string, terms []string) int {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	hits := 0
	for _, t := range terms {
		if strings.Contains(lower, t) {
			hits++
		}
	}
	return hits
}
