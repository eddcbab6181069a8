package commerce

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/video-publisher/internal/failure"
	"github.com/jonathan/video-publisher/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, mutate ...func(*Options)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	opts := Options{
		Token:         "shpat_test",
		BaseURL:       srv.URL,
		SearchBackoff: time.Millisecond,
		SearchRetries: 2,
		RatePerSecond: 1000,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewClient(opts, nil)
	require.NoError(t, err)
	return c
}

func sampleProduct() types.VideoProduct {
	return types.VideoProduct{
		Title:            "Video Clip - beach.mp4",
		Description:      "Waves & <sand>",
		Price:            "500.00",
		Tags:             []string{"beach", "ocean"},
		PreviewURL:       "https://storage.googleapis.com/processed/beach.mp4",
		MainURL:          "https://storage.googleapis.com/processed/beach.mp4?X-Goog-Signature=abc",
		OriginalFilename: "beach.mp4",
	}
}

func TestNormalizeShopDomain(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"demo.myshopify.com", "demo.myshopify.com"},
		{"  https://Demo.myshopify.com/admin ", "demo.myshopify.com"},
		{"http://demo.myshopify.com/", "demo.myshopify.com"},
	}
	for _, tt := range tests {
		got, err := NormalizeShopDomain(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := NormalizeShopDomain("   ")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindConfiguration))
}

func TestNewClient_EmptyToken(t *testing.T) {
	_, err := NewClient(Options{ShopDomain: "demo.myshopify.com", Token: " "}, nil)
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindConfiguration))
}

func TestCreateDraftListing_Success(t *testing.T) {
	var got map[string]map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/admin/api/2024-04/products.json", r.URL.Path)
		assert.Equal(t, "shpat_test", r.Header.Get(HeaderAccessToken))

		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &got))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"product":{"id":8123456789,"title":"Video Clip - beach.mp4","status":"draft"}}`))
	})

	listing, err := c.CreateDraftListing(context.Background(), sampleProduct())
	require.NoError(t, err)
	assert.Equal(t, "8123456789", listing.ID)
	assert.Equal(t, "draft", listing.Status)

	product := got["product"]
	assert.Equal(t, "Video Clip - beach.mp4", product["title"])
	assert.Equal(t, "draft", product["status"])
	assert.Equal(t, "beach, ocean", product["tags"])
	assert.Equal(t, "<p>Waves &amp; &lt;sand&gt;</p>", product["body_html"])
	assert.Equal(t, DefaultProductType, product["product_type"])

	variants := product["variants"].([]any)
	assert.Equal(t, "500.00", variants[0].(map[string]any)["price"])

	metafields := product["metafields"].([]any)
	keys := map[string]string{}
	for _, m := range metafields {
		mf := m.(map[string]any)
		keys[mf["key"].(string)] = mf["value"].(string)
		assert.Equal(t, DefaultMetafieldNamespace, mf["namespace"])
	}
	assert.Equal(t, `["beach","ocean"]`, keys["tags"])
	assert.Equal(t, "beach.mp4", keys["original_filename"])
	assert.Contains(t, keys, "preview_url")
	assert.Contains(t, keys, "main_url")
}

func TestCreateDraftListing_StatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   failure.Kind
	}{
		{"unprocessable", http.StatusUnprocessableEntity, failure.KindValidation},
		{"bad request", http.StatusBadRequest, failure.KindValidation},
		{"unauthorized", http.StatusUnauthorized, failure.KindAuth},
		{"forbidden", http.StatusForbidden, failure.KindAuth},
		{"server error", http.StatusBadGateway, failure.KindTransientNetwork},
		{"ok but not created", http.StatusOK, failure.KindTransientNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				atomic.AddInt32(&calls, 1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"errors":{"title":["is invalid"]}}`))
			})

			_, err := c.CreateDraftListing(context.Background(), sampleProduct())
			require.Error(t, err)

			var fe *failure.Error
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, tt.want, fe.Kind)
			assert.Equal(t, tt.status, fe.StatusCode)
			assert.Contains(t, fe.Body, "is invalid")
			assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "create must never retry")
		})
	}
}

func TestCreateDraftListing_Timeout(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		w.WriteHeader(http.StatusCreated)
	}, func(o *Options) { o.CreateTimeout = 20 * time.Millisecond })

	_, err := c.CreateDraftListing(context.Background(), sampleProduct())
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindTransientNetwork))
	assert.Contains(t, err.Error(), "timed out")
}

func TestCreateDraftListing_SchemaRejectsBadPrice(t *testing.T) {
	c := newTestClient(t, func(_ http.ResponseWriter, _ *http.Request) {
		t.Fatal("request must not be sent")
	})

	p := sampleProduct()
	p.Price = "500"
	_, err := c.CreateDraftListing(context.Background(), p)
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindValidation))
}

func TestAttachVideo(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/admin/api/2024-04/products/8123/media.json", r.URL.Path)

		var body map[string]map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "VIDEO", body["media"]["media_type"])
		assert.Equal(t, "https://signed.example/v.mp4", body["media"]["original_source"])

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"media":{"id":"gid://shopify/Video/1","status":"UPLOADED"}}`))
	})

	att, err := c.AttachVideo(context.Background(), "8123", "https://signed.example/v.mp4")
	require.NoError(t, err)
	assert.Equal(t, "gid://shopify/Video/1", att.ID)
	assert.Equal(t, "UPLOADED", att.Status)
	assert.Equal(t, "8123", att.ListingID)
	assert.Equal(t, types.MediaTypeVideo, att.MediaType)
}

func TestAttachVideo_Failure(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	})

	_, err := c.AttachVideo(context.Background(), "8123", "https://signed.example/v.mp4")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindValidation))
}

func TestFindByTitle_ExactMatchOnly(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Video Clip - a.mp4", r.URL.Query().Get("title"))
		_, _ = w.Write([]byte(`{"products":[
			{"id":1,"title":"Video Clip - a.mp4","status":"draft"},
			{"id":2,"title":"Video Clip - a.mp4 (copy)","status":"draft"}
		]}`))
	})

	got, err := c.FindByTitle(context.Background(), "Video Clip - a.mp4")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestFindByTitle_RetriesTransient(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"products":[]}`))
	})

	got, err := c.FindByTitle(context.Background(), "Video Clip - a.mp4")
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFindByTitle_GivesUp(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.FindByTitle(context.Background(), "Video Clip - a.mp4")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindTransientNetwork))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestFindByTitle_AuthNotRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := c.FindByTitle(context.Background(), "Video Clip - a.mp4")
	require.Error(t, err)
	assert.True(t, failure.IsKind(err, failure.KindAuth))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
