// Package search indexes the text of collaboratively edited forms so the
// Chronicle API can find proposals by what their forms say.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const idxForms = "collab_forms"

// FormRecord is one indexed form of one document.
type FormRecord struct {
	ID         string `json:"id"`
	Document   string `json:"document"`
	ProposalID string `json:"proposalId"`
	FormID     string `json:"formId"`
	Text       string `json:"text"`
	UpdatedAt  int64  `json:"updatedAt"`
}

// Hit is a single search result.
type Hit struct {
	Document   string `json:"document"`
	ProposalID string `json:"proposalId"`
	FormID     string `json:"formId"`
	Snippet    string `json:"snippet"`
}

// Meili indexes form content via Meilisearch. Indexing is skipped while the
// server is unreachable; the next session end catches up.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
	now     func() time.Time
	logger  *zap.Logger
}

func NewMeili(url, apiKey string, logger *zap.Logger) *Meili {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
		now:    time.Now,
		logger: logger.Named("search").With(zap.String("url", url)),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", zap.Error(err))
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxForms, PrimaryKey: "id"}); err != nil {
		m.logger.Debug("create index (may already exist)", zap.Error(err))
	}
	index := m.client.Index(idxForms)
	filterable := []interface{}{"document", "proposalId", "formId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", zap.Error(err))
	}
	searchable := []string{"text"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", zap.Error(err))
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
			wasHealthy := m.healthy.Swap(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// IndexDocument indexes every form of a document. forms maps form id to the
// form's JSON content.
func (m *Meili) IndexDocument(_ context.Context, document, proposalID string, forms map[string]string) error {
	if !m.healthy.Load() {
		return fmt.Errorf("meilisearch unhealthy")
	}
	records := Records(document, proposalID, forms, m.now())
	if len(records) == 0 {
		return nil
	}
	if _, err := m.client.Index(idxForms).AddDocuments(records, nil); err != nil {
		m.healthy.Store(false)
		return fmt.Errorf("index %s: %w", document, err)
	}
	return nil
}

// Search finds forms whose text matches query, optionally within one proposal.
func (m *Meili) Search(query, proposalID string, limit int) ([]Hit, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}
	request := &meili.SearchRequest{
		IndexUID:              idxForms,
		Query:                 query,
		Limit:                 int64(limit),
		AttributesToHighlight: []string{"text"},
		AttributesToCrop:      []string{"text"},
		HighlightPreTag:       "<mark>",
		HighlightPostTag:      "</mark>",
	}
	if proposalID != "" {
		request.Filter = fmt.Sprintf("proposalId = %q", proposalID)
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{Queries: []*meili.SearchRequest{request}})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}
	var hits []Hit
	for _, result := range resp.Results {
		for _, hit := range result.Hits {
			hits = append(hits, Hit{
				Document:   decodeString(hit, "document"),
				ProposalID: decodeString(hit, "proposalId"),
				FormID:     decodeString(hit, "formId"),
				Snippet:    firstNonBlank(decodeFormattedString(hit, "text"), decodeString(hit, "text")),
			})
		}
	}
	return hits, nil
}

// Records builds the index records of a document, one per form, in form id order.
func Records(document, proposalID string, forms map[string]string, at time.Time) []FormRecord {
	ids := make([]string, 0, len(forms))
	for id := range forms {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]FormRecord, 0, len(ids))
	for _, formID := range ids {
		records = append(records, FormRecord{
			ID:         RecordID(document, formID),
			Document:   document,
			ProposalID: proposalID,
			FormID:     formID,
			Text:       FlattenText(forms[formID]),
			UpdatedAt:  at.UnixMilli(),
		})
	}
	return records
}

// RecordID joins document and form into a Meilisearch primary key, which only
// allows ASCII alphanumerics, '-' and '_'.
func RecordID(document, formID string) string {
	sanitize := func(value string) string {
		var b strings.Builder
		for _, r := range value {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
				b.WriteRune(r)
			default:
				b.WriteRune('_')
			}
		}
		return b.String()
	}
	return sanitize(document) + "__" + sanitize(formID)
}

// FlattenText collects the string leaves of a JSON value in key order.
// Rich text trees contribute their text runs only. Content that is not JSON
// is indexed as is.
func FlattenText(content string) string {
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return strings.TrimSpace(content)
	}
	var parts []string
	collectText(value, &parts)
	return strings.Join(parts, " ")
}

func collectText(value any, parts *[]string) {
	switch v := value.(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			*parts = append(*parts, text)
		}
	case []any:
		for _, item := range v {
			collectText(item, parts)
		}
	case map[string]any:
		if isRichTextNode(v) {
			collectRichText(v, parts)
			return
		}
		keys := make([]string, 0, len(v))
		for key := range v {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			collectText(v[key], parts)
		}
	}
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

func decodeFormattedString(hit meili.Hit, key string) string {
	raw, ok := hit["_formatted"]
	if !ok {
		return ""
	}
	var formatted map[string]json.RawMessage
	if err := json.Unmarshal(raw, &formatted); err != nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(formatted[key], &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func firstNonBlank(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
