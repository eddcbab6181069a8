package commerce

import (
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/jonathan/video-publisher/internal/types"
)

// Metafield types understood by the platform.
const (
	metafieldURL  = "url"
	metafieldJSON = "json"
	metafieldText = "single_line_text_field"
)

type productRequest struct {
	Product productBody `json:"product"`
}

type productBody struct {
	Title       string      `json:"title"`
	BodyHTML    string      `json:"body_html"`
	Vendor      string      `json:"vendor"`
	ProductType string      `json:"product_type"`
	Status      string      `json:"status"`
	Tags        string      `json:"tags"`
	Variants    []variant   `json:"variants"`
	Metafields  []metafield `json:"metafields,omitempty"`
}

type variant struct {
	Price string `json:"price"`
}

type metafield struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Value     string `json:"value"`
	Type      string `json:"type"`
}

type mediaRequest struct {
	Media mediaBody `json:"media"`
}

type mediaBody struct {
	OriginalSource string `json:"original_source"`
	MediaType      string `json:"media_type"`
}

// BodyHTML renders a plain-text description as escaped HTML.
func BodyHTML(description string) string {
	return "<p>" + html.EscapeString(description) + "</p>"
}

// buildProductRequest maps a VideoProduct onto the create-product payload.
func (c *Client) buildProductRequest(p types.VideoProduct) (productRequest, error) {
	tagsJSON, err := json.Marshal(nonNil(p.Tags))
	if err != nil {
		return productRequest{}, fmt.Errorf("failed to marshal tags: %w", err)
	}

	ns := c.opts.MetafieldNamespace
	var fields []metafield
	if p.PreviewURL != "" {
		fields = append(fields, metafield{ns, "preview_url", p.PreviewURL, metafieldURL})
	}
	if p.MainURL != "" {
		fields = append(fields, metafield{ns, "main_url", p.MainURL, metafieldURL})
	}
	fields = append(fields,
		metafield{ns, "tags", string(tagsJSON), metafieldJSON},
		metafield{ns, "original_filename", p.OriginalFilename, metafieldText},
	)

	return productRequest{Product: productBody{
		Title:       p.Title,
		BodyHTML:    BodyHTML(p.Description),
		Vendor:      c.opts.Vendor,
		ProductType: c.opts.ProductType,
		Status:      "draft",
		Tags:        strings.Join(p.Tags, ", "),
		Variants:    []variant{{Price: p.Price}},
		Metafields:  fields,
	}}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// remoteID accepts numeric or string identifiers.
type remoteID string

func (id *remoteID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		s = ""
	}
	*id = remoteID(s)
	return nil
}

type productResponse struct {
	Product *productResource `json:"product"`
}

type productsResponse struct {
	Products []productResource `json:"products"`
}

type productResource struct {
	ID     remoteID `json:"id"`
	Title  string   `json:"title"`
	Status string   `json:"status"`
}

func (p productResource) toListing() types.RemoteListing {
	return types.RemoteListing{ID: string(p.ID), Title: p.Title, Status: p.Status}
}

type mediaResponse struct {
	Media *struct {
		ID     remoteID `json:"id"`
		Status string   `json:"status"`
	} `json:"media"`
}
