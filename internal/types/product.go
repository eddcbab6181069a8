package types

// TitlePrefix is prepended to the object name to form a listing title.
// Changing it breaks duplicate detection for already published objects.
const TitlePrefix = "Video Clip - "

// DeriveTitle returns the listing title for an object name. The name is
// used verbatim so distinct names always yield distinct titles.
func DeriveTitle(name string) string {
	return TitlePrefix + name
}

// VideoProduct is the draft listing the pipeline asks the commerce
// platform to create.
type VideoProduct struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	Price            string   `json:"price"`
	Tags             []string `json:"tags"`
	PreviewURL       string   `json:"preview_url"`
	MainURL          string   `json:"main_url"`
	OriginalFilename string   `json:"original_filename"`
}

// RemoteListing is the platform's view of a created listing.
type RemoteListing struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// MediaTypeVideo is the only media type the pipeline attaches.
const MediaTypeVideo = "VIDEO"

// MediaAttachment is a media item attached to a listing.
type MediaAttachment struct {
	ID        string `json:"id,omitempty"`
	ListingID string `json:"listing_id"`
	SourceURL string `json:"source_url"`
	MediaType string `json:"media_type"`
	Status    string `json:"status,omitempty"`
}
