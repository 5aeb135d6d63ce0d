package qbittorrent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"qb-autoseed/internal/domain"
)

const apiPrefix = "/api/v2"

// ErrLoginFailed is returned when the Web UI rejects the credentials.
var ErrLoginFailed = errors.New("qBittorrent: login failed")

// StatusError is a non-200 answer from the Web API.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("qBittorrent: %s failed status=%d body=%s", e.Op, e.Status, e.Body)
}

// Config describes how to reach the Web UI.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to qBittorrent Web API (v2) over one cookie session.
type Client struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
}

// NewClient builds a client. Host may be a bare host name or a full URL.
func NewClient(cfg Config) (*Client, error) {
	base, err := BaseURL(cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL:  base,
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
		},
	}, nil
}

// BaseURL turns host and port settings into the Web UI root, e.g. "http://localhost:8080".
func BaseURL(host string, port int) (string, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return "", fmt.Errorf("qBittorrent host is required")
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("parse qBittorrent host: %w", err)
	}
	if u.Port() == "" && port > 0 {
		u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	}
	return strings.TrimSuffix(u.String(), "/"), nil
}

// Login authenticates and stores the session cookie.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("password", c.password)
	body, err := c.send(ctx, "login", http.MethodPost, "/auth/login", form, false)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return ErrLoginFailed
	}
	return nil
}

// Logout ends the session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.send(ctx, "logout", http.MethodPost, "/auth/logout", url.Values{}, false)
	return err
}

// TorrentInfo is one entry from /torrents/info.
type TorrentInfo struct {
	Hash         string  `json:"hash"`
	Name         string  `json:"name"`
	Progress     float64 `json:"progress"`
	Ratio        float64 `json:"ratio"`
	SeedingTime  int64   `json:"seeding_time"`
	LastActivity int64   `json:"last_activity"`
	Size         int64   `json:"size"`
	Tags         string  `json:"tags"`
	State        string  `json:"state"`
	AddedOn      int64   `json:"added_on"`
	CompletionOn int64   `json:"completion_on"`
	AmountLeft   int64   `json:"amount_left"`
	Uploaded     int64   `json:"uploaded"`
	SavePath     string  `json:"save_path"`
}

// Job converts the API entry into the engine's snapshot type.
func (t TorrentInfo) Job() domain.TrackedJob {
	return domain.TrackedJob{
		Hash:         t.Hash,
		Name:         t.Name,
		Progress:     t.Progress,
		Ratio:        t.Ratio,
		SeedingTime:  time.Duration(t.SeedingTime) * time.Second,
		LastActivity: time.Unix(t.LastActivity, 0),
		Size:         t.Size,
		Tags:         domain.SplitTags(t.Tags),
	}
}

// TorrentsInfo returns every torrent known to the client.
func (c *Client) TorrentsInfo(ctx context.Context) ([]TorrentInfo, error) {
	body, err := c.send(ctx, "torrents/info", http.MethodGet, "/torrents/info", nil, true)
	if err != nil {
		return nil, err
	}
	var list []TorrentInfo
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, fmt.Errorf("decode torrents/info: %w", err)
	}
	return list, nil
}

// ListJobs returns the current snapshot of all torrents.
func (c *Client) ListJobs(ctx context.Context) ([]domain.TrackedJob, error) {
	list, err := c.TorrentsInfo(ctx)
	if err != nil {
		return nil, err
	}
	jobs := make([]domain.TrackedJob, len(list))
	for i := range list {
		jobs[i] = list[i].Job()
	}
	return jobs, nil
}

// AddJob adds a torrent from a magnet or .torrent URL.
func (c *Client) AddJob(ctx context.Context, link, savePath string, tags []string) error {
	form := url.Values{}
	form.Set("urls", link)
	if savePath != "" {
		form.Set("savepath", savePath)
	}
	if len(tags) > 0 {
		form.Set("tags", strings.Join(tags, ","))
	}
	body, err := c.send(ctx, "torrents/add", http.MethodPost, "/torrents/add", form, true)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "Fails." {
		return &StatusError{Op: "torrents/add", Status: http.StatusOK, Body: "Fails."}
	}
	return nil
}

// RemoveJob removes the torrent. deleteFiles also deletes downloaded data.
func (c *Client) RemoveJob(ctx context.Context, hash string, deleteFiles bool) error {
	form := url.Values{}
	form.Set("hashes", hash)
	form.Set("deleteFiles", strconv.FormatBool(deleteFiles))
	_, err := c.send(ctx, "torrents/delete", http.MethodPost, "/torrents/delete", form, true)
	return err
}

// RefreshFeed asks the client to re-download the feed at path.
func (c *Client) RefreshFeed(ctx context.Context, path string) error {
	form := url.Values{}
	form.Set("itemPath", path)
	_, err := c.send(ctx, "rss/refreshItem", http.MethodPost, "/rss/refreshItem", form, true)
	return err
}

type rssFeed struct {
	IsLoading bool             `json:"isLoading"`
	HasError  bool             `json:"hasError"`
	Articles  []domain.Article `json:"articles"`
}

// FetchFeed returns the articles of the feed at path. Folder levels are separated by '\'.
func (c *Client) FetchFeed(ctx context.Context, path string) (domain.Feed, error) {
	body, err := c.send(ctx, "rss/items", http.MethodGet, "/rss/items?withData=true", nil, true)
	if err != nil {
		return domain.Feed{}, err
	}

	raw := json.RawMessage(body)
	for _, part := range strings.Split(path, `\`) {
		var folder map[string]json.RawMessage
		if err := json.Unmarshal(raw, &folder); err != nil {
			return domain.Feed{}, fmt.Errorf("decode rss/items: %w", err)
		}
		next, ok := folder[part]
		if !ok {
			return domain.Feed{}, fmt.Errorf("rss item %q not found", path)
		}
		raw = next
	}

	var feed rssFeed
	if err := json.Unmarshal(raw, &feed); err != nil {
		return domain.Feed{}, fmt.Errorf("decode rss feed %q: %w", path, err)
	}
	return domain.Feed{
		IsLoading: feed.IsLoading,
		HasError:  feed.HasError,
		Articles:  feed.Articles,
	}, nil
}

// send performs one API call. With relogin set, a 403 (expired session) triggers one
// login and a single replay of the request.
func (c *Client) send(ctx context.Context, op, method, path string, form url.Values, relogin bool) ([]byte, error) {
	status, body, err := c.do(ctx, method, path, form)
	if err != nil {
		return nil, fmt.Errorf("qBittorrent: %s: %w", op, err)
	}
	if status == http.StatusForbidden && relogin {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		status, body, err = c.do(ctx, method, path, form)
		if err != nil {
			return nil, fmt.Errorf("qBittorrent: %s: %w", op, err)
		}
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: op, Status: status, Body: string(body)}
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values) (int, []byte, error) {
	u := c.baseURL + apiPrefix + path
	var reqBody io.Reader = http.NoBody
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	req.Header.Set("Referer", c.baseURL+"/")
	// #nosec G107 -- baseURL comes from configuration
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}
