package board

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/therese-ai/therese/pkg/httpclient"
)

// webSearcher enriches a deliberation with live context. Failures are
// always swallowed by the caller; the board works without it.
type webSearcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// duckDuckGoSearcher uses the keyless instant-answer API.
type duckDuckGoSearcher struct {
	client *httpclient.Client
}

func newWebSearcher() webSearcher {
	return &duckDuckGoSearcher{
		client: httpclient.New(httpclient.WithTimeout(10 * time.Second)),
	}
}

type ddgResponse struct {
	AbstractText  string `json:"AbstractText"`
	RelatedTopics []struct {
		Text string `json:"Text"`
	} `json:"RelatedTopics"`
}

// Search returns the top results concatenated as a plain-text block,
// or "" when nothing useful came back.
func (s *duckDuckGoSearcher) Search(ctx context.Context, query string) (string, error) {
	endpoint := "https://api.duckduckgo.com/?format=json&no_html=1&q=" + url.QueryEscape(query)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search returned status %d", resp.StatusCode)
	}

	var out ddgResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}

	var lines []string
	if out.AbstractText != "" {
		lines = append(lines, out.AbstractText)
	}
	for _, topic := range out.RelatedTopics {
		if topic.Text == "" {
			continue
		}
		lines = append(lines, topic.Text)
		if len(lines) >= 5 {
			break
		}
	}
	return strings.Join(lines, "\n"), nil
}
