package davclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"slices"
	"strings"

	"github.com/cyp0633/calmirror/internal/httpclient"
	"github.com/cyp0633/calmirror/internal/xml"
)

func (c *davClient) Delta(ctx context.Context, cursor string) (*Delta, error) {
	if c.strategy == StrategyListing {
		return c.listingDelta(ctx, cursor)
	}
	return c.syncCollectionDelta(ctx, cursor)
}

// syncCollectionDelta runs a sync-collection REPORT. A token the server no
// longer accepts falls back to the initial listing.
func (c *davClient) syncCollectionDelta(ctx context.Context, cursor string) (*Delta, error) {
	body, err := xml.SyncCollection(cursor, xml.PropGetETag, xml.PropCalendarData)
	if err != nil {
		return nil, err
	}

	ms, err := c.httpClient.DoREPORT(ctx, c.collectionURL, 1, body)
	if err != nil && cursor != "" && isInvalidToken(err) {
		c.logger.Info("sync token rejected, starting over", "token", cursor)
		return c.syncCollectionDelta(ctx, "")
	}
	if err != nil {
		return nil, classify("sync-collection", err)
	}

	d := &Delta{
		Token:     ms.SyncToken,
		Truncated: ms.Truncated(),
	}
	var missingData []string
	for i := range ms.Responses {
		resp := &ms.Responses[i]
		if c.isCollection(resp.Href) {
			continue
		}
		if resp.Removed() {
			d.Items = append(d.Items, Item{Href: resp.Href, Removed: true})
			continue
		}
		if resp.Status != 0 && resp.Status != http.StatusOK {
			continue
		}
		item := Item{Href: resp.Href, ETag: resp.ETag(), Data: []byte(resp.CalendarData())}
		if len(item.Data) == 0 {
			missingData = append(missingData, resp.Href)
		}
		d.Items = append(d.Items, item)
	}

	if len(missingData) > 0 {
		if err := c.fillData(ctx, d.Items, missingData); err != nil {
			return nil, err
		}
	}

	// the initial listing names every member; later ones only changes
	d.Complete = cursor == "" && !d.Truncated
	c.logger.Debug("sync-collection delta",
		"items", len(d.Items),
		"complete", d.Complete,
		"truncated", d.Truncated)
	return d, nil
}

// fillData fetches calendar data for hrefs the server listed without it.
func (c *davClient) fillData(ctx context.Context, items []Item, hrefs []string) error {
	body, err := xml.CalendarMultiget(hrefs, xml.PropGetETag, xml.PropCalendarData)
	if err != nil {
		return err
	}
	ms, err := c.httpClient.DoREPORT(ctx, c.collectionURL, 1, body)
	if err != nil {
		return classify("calendar-multiget", err)
	}

	byHref := make(map[string]*xml.Response, len(ms.Responses))
	for i := range ms.Responses {
		byHref[ms.Responses[i].Href] = &ms.Responses[i]
	}
	for i := range items {
		if items[i].Removed || len(items[i].Data) > 0 {
			continue
		}
		resp, ok := byHref[items[i].Href]
		if !ok {
			continue
		}
		items[i].Data = []byte(resp.CalendarData())
		if etag := resp.ETag(); etag != "" {
			items[i].ETag = etag
		}
	}
	return nil
}

// listingDelta compares the collection getctag with cursor and lists every
// object when it moved.
func (c *davClient) listingDelta(ctx context.Context, cursor string) (*Delta, error) {
	ms, err := c.httpClient.DoPROPFIND(ctx, c.collectionURL, 0, xml.PropGetCTag, xml.PropSyncToken)
	if err != nil {
		return nil, classify("propfind getctag", err)
	}

	var ctag string
	for i := range ms.Responses {
		if v, ok := ms.Responses[i].Prop(xml.PropGetCTag); ok && strings.TrimSpace(v) != "" {
			ctag = strings.TrimSpace(v)
			break
		}
	}
	if ctag != "" && ctag == cursor {
		c.logger.Debug("collection tag unchanged", "ctag", ctag)
		return &Delta{Token: cursor}, nil
	}

	body, err := xml.CalendarQuery("VEVENT", xml.PropGetETag, xml.PropCalendarData)
	if err != nil {
		return nil, err
	}
	list, err := c.httpClient.DoREPORT(ctx, c.collectionURL, 1, body)
	if err != nil {
		return nil, classify("calendar-query", err)
	}

	d := &Delta{Complete: true}
	for i := range list.Responses {
		resp := &list.Responses[i]
		if c.isCollection(resp.Href) || resp.Removed() {
			continue
		}
		d.Items = append(d.Items, Item{Href: resp.Href, ETag: resp.ETag(), Data: []byte(resp.CalendarData())})
	}

	d.Token = ctag
	if d.Token == "" {
		d.Token = listingDigest(d.Items)
	}
	c.logger.Debug("listing delta", "items", len(d.Items), "token", d.Token)
	return d, nil
}

// listingDigest stands in for getctag on servers that do not publish one.
func listingDigest(items []Item) string {
	keys := make([]string, 0, len(items))
	for _, it := range items {
		keys = append(keys, it.Href+"\x00"+it.ETag)
	}
	slices.Sort(keys)
	sum := sha256.Sum256([]byte(strings.Join(keys, "\x01")))
	return "digest:" + hex.EncodeToString(sum[:12])
}

func (c *davClient) isCollection(href string) bool {
	return withSlash(href) == c.collection
}

// isInvalidToken reports a rejected sync token (DAV:valid-sync-token).
func isInvalidToken(err error) bool {
	code := httpclient.StatusCode(err)
	return code == http.StatusForbidden || code == http.StatusConflict || code == http.StatusPreconditionFailed
}
