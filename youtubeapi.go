package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const youtubeVideosURL = "https://www.googleapis.com/youtube/v3/videos"

var (
	ErrNotYoutube    = errors.New("not a youtube link")
	ErrVideoNotFound = errors.New("no item returned from YouTube")
)

// YoutubeClient looks up video titles so links show up in the queue with
// a readable name.
type YoutubeClient struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewYoutubeClient(apiKey string) *YoutubeClient {
	return &YoutubeClient{
		apiKey:  apiKey,
		baseURL: youtubeVideosURL,
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// youtubeVideoID understands watch?v=, youtu.be/ and /shorts/ links.
func youtubeVideoID(rawURL string) (string, error) {
	l, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse link: %w", err)
	}
	host := strings.TrimPrefix(strings.ToLower(l.Hostname()), "www.")
	switch host {
	case "youtu.be":
		if id := strings.Trim(l.Path, "/"); id != "" {
			return id, nil
		}
	case "youtube.com", "m.youtube.com", "music.youtube.com":
		if id := l.Query().Get("v"); id != "" {
			return id, nil
		}
		if id, ok := strings.CutPrefix(l.Path, "/shorts/"); ok && id != "" {
			return strings.Trim(id, "/"), nil
		}
	}
	return "", ErrNotYoutube
}

// Title returns "<title> - <channel>" for a YouTube link.
func (y *YoutubeClient) Title(ctx context.Context, rawURL string) (string, error) {
	videoID, err := youtubeVideoID(rawURL)
	if err != nil {
		return "", err
	}

	response := struct {
		Items []struct {
			Snippet struct {
				ChannelTitle string `json:"channelTitle"`
				Title        string `json:"title"`
			} `json:"snippet"`
		}
	}{}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.baseURL, nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Add("key", y.apiKey)
	q.Add("part", "snippet")
	q.Add("id", videoID)
	req.URL.RawQuery = q.Encode()

	resp, err := y.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("youtube api: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return "", fmt.Errorf("decode youtube response: %w", err)
	}
	if len(response.Items) == 0 {
		return "", ErrVideoNotFound
	}

	snippet := response.Items[0].Snippet
	if snippet.ChannelTitle == "" {
		return snippet.Title, nil
	}
	return snippet.Title + " - " + snippet.ChannelTitle, nil
}
