package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxRepositories = "vibeyard_repositories"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the repository index.
// The instance keeps polling health in the background so a late-starting
// Meilisearch is picked up without a restart.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		logger: logger,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		logger.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxRepositories,
		PrimaryKey: "id",
	}); err != nil {
		m.logger.Warn("create search index (may already exist)", "index", idxRepositories, "error", err)
	}

	index := m.client.Index(idxRepositories)
	filterable := []interface{}{"language", "aiProvider", "isPublic"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxRepositories, "error", err)
	}
	searchable := []string{"fullName", "owner", "name", "description"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxRepositories, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search queries the repository index. Only public repositories are returned.
func (m *Meili) Search(q Query) ([]Result, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	limit := int64(q.Limit)
	if limit == 0 {
		limit = 20
	}

	sr := &meili.SearchRequest{
		Limit:                 limit,
		Offset:                int64(q.Offset),
		AttributesToHighlight: []string{"description"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}

	filters := []string{"isPublic = true"}
	if q.Language != "" {
		filters = append(filters, fmt.Sprintf("language = %q", q.Language))
	}
	if q.AIProvider != "" {
		filters = append(filters, fmt.Sprintf("aiProvider = %q", q.AIProvider))
	}
	sr.Filter = filters

	resp, err := m.client.Index(idxRepositories).Search(q.Text, sr)
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	results := make([]Result, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		results = append(results, hitToResult(hit))
	}
	return results, int(resp.EstimatedTotalHits), nil
}

func hitToResult(hit meili.Hit) Result {
	r := Result{
		ID:          decodeString(hit, "id"),
		FullName:    decodeString(hit, "fullName"),
		Owner:       decodeString(hit, "owner"),
		Description: decodeString(hit, "description"),
		Language:    decodeString(hit, "language"),
		AIProvider:  decodeString(hit, "aiProvider"),
	}
	r.Snippet = firstNonBlank(decodeFormattedString(hit, "description"), r.Description)
	r.VotesCount = decodeInt(hit, "votesCount")
	return r
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeInt(hit meili.Hit, key string) int {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	return 0
}

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]string
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	return strings.TrimSpace(formatted[key])
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// IndexRepository adds or updates a repository in the search index.
func (m *Meili) IndexRepository(rec RepositoryRecord) error {
	_, err := m.client.Index(idxRepositories).AddDocuments([]RepositoryRecord{rec}, nil)
	return err
}

// IndexRepositories bulk-indexes repositories.
func (m *Meili) IndexRepositories(records []RepositoryRecord) error {
	if len(records) == 0 {
		return nil
	}
	_, err := m.client.Index(idxRepositories).AddDocuments(records, nil)
	return err
}

// DeleteRepository removes a repository from the search index.
func (m *Meili) DeleteRepository(id string) error {
	_, err := m.client.Index(idxRepositories).DeleteDocument(id, nil)
	return err
}
