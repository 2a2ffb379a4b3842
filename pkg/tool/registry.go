// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tool

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Okapi BM25 parameters.
const (
	bm25K1      = 1.5
	bm25B       = 0.75
	bm25Epsilon = 0.25
)

var tokenSplit = regexp.MustCompile(`\W+`)

// Registry indexes a tool surface for lookup and relevance search. The
// search side is a small Okapi BM25 over each tool's name and
// description, with a plain substring fallback while the index is empty.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	names []string

	corpus  [][]string
	docLens []int
	avgLen  float64
	idf     map[string]float64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds tools and rebuilds the search index.
func (r *Registry) Register(tools ...Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; !exists {
			r.names = append(r.names, t.Name())
		}
		r.tools[t.Name()] = t
	}
	r.rebuildIndexLocked()
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// All returns every registered tool in registration order.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, r.tools[name])
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Search returns up to limit tools ranked by BM25 relevance, dropping
// zero-score matches. An empty index degrades to substring matching.
func (r *Registry) Search(query string, limit int) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.tools) == 0 {
		return nil
	}
	if len(r.corpus) == 0 {
		return r.searchKeywordLocked(query, limit)
	}

	queryTokens := tokenize(query)
	type scored struct {
		name  string
		score float64
	}
	results := make([]scored, len(r.names))
	for i, name := range r.names {
		results[i] = scored{name: name, score: r.scoreLocked(queryTokens, i)}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].score > results[j].score
	})

	out := make([]Tool, 0, limit)
	for _, res := range results {
		if res.score <= 0 || len(out) >= limit {
			break
		}
		out = append(out, r.tools[res.name])
	}
	return out
}

func (r *Registry) searchKeywordLocked(query string, limit int) []Tool {
	lowered := strings.ToLower(query)
	var out []Tool
	for _, name := range r.names {
		t := r.tools[name]
		if strings.Contains(strings.ToLower(t.Name()), lowered) ||
			strings.Contains(strings.ToLower(t.Description()), lowered) {
			out = append(out, t)
		}
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (r *Registry) rebuildIndexLocked() {
	r.corpus = r.corpus[:0]
	r.docLens = r.docLens[:0]

	totalLen := 0
	docFreq := make(map[string]int)
	for _, name := range r.names {
		tokens := tokenize(name + " " + r.tools[name].Description())
		r.corpus = append(r.corpus, tokens)
		r.docLens = append(r.docLens, len(tokens))
		totalLen += len(tokens)

		seen := make(map[string]bool, len(tokens))
		for _, token := range tokens {
			if !seen[token] {
				seen[token] = true
				docFreq[token]++
			}
		}
	}
	if len(r.corpus) == 0 {
		r.avgLen = 0
		r.idf = nil
		return
	}
	r.avgLen = float64(totalLen) / float64(len(r.corpus))

	// Okapi IDF, with negative values floored to a fraction of the
	// average as rank-style implementations do.
	n := float64(len(r.corpus))
	r.idf = make(map[string]float64, len(docFreq))
	var idfSum float64
	var negative []string
	for token, df := range docFreq {
		idf := math.Log(n-float64(df)+0.5) - math.Log(float64(df)+0.5)
		r.idf[token] = idf
		idfSum += idf
		if idf < 0 {
			negative = append(negative, token)
		}
	}
	averageIDF := idfSum / float64(len(r.idf))
	floor := bm25Epsilon * averageIDF
	for _, token := range negative {
		r.idf[token] = floor
	}
}

func (r *Registry) scoreLocked(queryTokens []string, doc int) float64 {
	freq := make(map[string]int, len(r.corpus[doc]))
	for _, token := range r.corpus[doc] {
		freq[token]++
	}

	var score float64
	docLen := float64(r.docLens[doc])
	for _, token := range queryTokens {
		f := float64(freq[token])
		if f == 0 {
			continue
		}
		idf := r.idf[token]
		score += idf * (f * (bm25K1 + 1)) / (f + bm25K1*(1-bm25B+bm25B*docLen/r.avgLen))
	}
	return score
}

func tokenize(text string) []string {
	parts := tokenSplit.Split(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			tokens = append(tokens, part)
		}
	}
	return tokens
}
