// internal/dataset/dataset.go
package dataset

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sync"

	"github.com/xkilldash9x/sqlpaf/internal/store"
)

// URLSaver persists one kind of dataset URL and reports how many were new.
type URLSaver interface {
	SaveURLs(ctx context.Context, kind store.URLKind, urls []string) (int, error)
}

// Manager collects discovered URLs and the subset where a form was seen.
// Both lists keep insertion order and drop duplicates. Safe for concurrent use.
type Manager struct {
	mu        sync.Mutex
	urls      []string
	urlSeen   map[string]struct{}
	forms     []string
	formsSeen map[string]struct{}
}

func NewManager() *Manager {
	return &Manager{
		urlSeen:   make(map[string]struct{}),
		formsSeen: make(map[string]struct{}),
	}
}

// AddURLs appends the unseen URLs and returns how many were added.
func (m *Manager) AddURLs(urls []string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := m.urlSeen[u]; ok {
			continue
		}
		m.urlSeen[u] = struct{}{}
		m.urls = append(m.urls, u)
		added++
	}
	return added
}

// AddFormURL records a URL where a form was detected. It reports whether the
// URL was new.
func (m *Manager) AddFormURL(u string) bool {
	if u == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.formsSeen[u]; ok {
		return false
	}
	m.formsSeen[u] = struct{}{}
	m.forms = append(m.forms, u)
	return true
}

func (m *Manager) URLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.urls...)
}

func (m *Manager) FormURLs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.forms...)
}

// Flush writes both lists to s. The in-memory lists are kept.
func (m *Manager) Flush(ctx context.Context, s URLSaver) (int, error) {
	urls, forms := m.URLs(), m.FormURLs()
	total := 0
	for _, batch := range []struct {
		kind store.URLKind
		urls []string
	}{
		{store.KindDiscovered, urls},
		{store.KindForm, forms},
	} {
		if len(batch.urls) == 0 {
			continue
		}
		n, err := s.SaveURLs(ctx, batch.kind, batch.urls)
		if err != nil {
			return total, fmt.Errorf("failed to save %s urls: %w", batch.kind, err)
		}
		total += n
	}
	return total, nil
}

// WriteCSV writes a "kind,url" table with discovered URLs first.
func (m *Manager) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"kind", "url"}); err != nil {
		return err
	}
	for _, u := range m.URLs() {
		if err := cw.Write([]string{string(store.KindDiscovered), u}); err != nil {
			return err
		}
	}
	for _, u := range m.FormURLs() {
		if err := cw.Write([]string{string(store.KindForm), u}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
