package instagram

import "encoding/json"

// Profile holds the public statistics of an account
type Profile struct {
	Username   string `json:"username"`
	FullName   string `json:"full_name"`
	IsPrivate  bool   `json:"is_private"`
	Posts      int    `json:"posts"`
	Followers  int    `json:"followers"`
	Following  int    `json:"following"`
	Reels      int    `json:"reels"`
	Highlights int    `json:"highlights"`
}

// Highlight is one story highlight reel of an account
type Highlight struct {
	ID          string          `json:"id"`
	PK          string          `json:"pk"`
	Title       string          `json:"title"`
	MediaType   int             `json:"media_type"`
	ProductType string          `json:"product_type"`
	Items       []HighlightItem `json:"items"`
}

// HighlightItem is a single story inside a highlight
type HighlightItem struct {
	PK           string `json:"pk"`
	VideoURL     string `json:"video_url,omitempty"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

// URL returns the video URL when present, the thumbnail otherwise
func (i HighlightItem) URL() string {
	if i.VideoURL != "" {
		return i.VideoURL
	}
	return i.ThumbnailURL
}

// HighlightsResponse is the bridge reply to a highlight listing
type HighlightsResponse struct {
	RequiresToLogin bool            `json:"requires_to_login"`
	Highlights      []Highlight     `json:"highlights"`
	Settings        json.RawMessage `json:"settings,omitempty"`
}

// loginRequest is the body of a login call
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// settingsEnvelope carries session settings to and from the bridge
type settingsEnvelope struct {
	Settings json.RawMessage `json:"settings,omitempty"`
}

// ProfileResponse is the bridge reply to a profile lookup
type ProfileResponse struct {
	RequiresToLogin bool            `json:"requires_to_login"`
	User            Profile         `json:"user"`
	Settings        json.RawMessage `json:"settings,omitempty"`
	Status          string          `json:"status"`
}

// errorResponse is returned by the bridge on non-2xx replies
type errorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}
