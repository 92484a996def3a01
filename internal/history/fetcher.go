package history

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/voxmeet/chatsync/internal/store"
)

// HTTPFetcher retrieves history pages from the REST surface that backs the
// realtime channel. selfID marks which items are local-authored; delivery
// status only exists for those.
type HTTPFetcher struct {
	baseURL string
	token   string
	selfID  string
	client  *http.Client
}

// NewHTTPFetcher builds a fetcher for baseURL, e.g. "https://api.example.com".
func NewHTTPFetcher(baseURL, token, selfID string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		token:   token,
		selfID:  selfID,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type historyItem struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	CreatedAt      int64  `json:"createdAt"`
	IsPinned       bool   `json:"isPinned"`
	Sender         struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"sender"`
}

// FetchBefore implements Fetcher against
// GET {base}/conversations/{id}/messages?beforeDate=...&limit=...
func (f *HTTPFetcher) FetchBefore(ctx context.Context, conversationID string, before int64, limit int) ([]store.Message, error) {
	u := fmt.Sprintf("%s/conversations/%s/messages?beforeDate=%s&limit=%d",
		f.baseURL, url.PathEscape(conversationID), strconv.FormatInt(before, 10), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history fetch: unexpected status %d", resp.StatusCode)
	}

	var items []historyItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("history fetch: decode: %w", err)
	}

	out := make([]store.Message, 0, len(items))
	for _, it := range items {
		if it.ID == "" {
			continue
		}
		// Status is meaningful only for local-authored messages; remote
		// rows stay untracked.
		st := ""
		if it.Sender.ID == f.selfID {
			st = store.StatusSent
		}
		out = append(out, store.Message{
			ServerID:       it.ID,
			ConversationID: conversationID,
			SenderID:       it.Sender.ID,
			SenderName:     it.Sender.Name,
			Content:        it.Content,
			CreatedAt:      it.CreatedAt,
			IsPinned:       it.IsPinned,
			Status:         st,
			Origin:         store.OriginConfirmed,
		})
	}
	return out, nil
}
