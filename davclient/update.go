package davclient

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/cyp0633/calmirror/internal/xml"
)

var safeName = regexp.MustCompile(`^[A-Za-z0-9._-]{1,120}$`)

// ObjectHref returns the href a new object with uid gets inside the
// collection at collectionPath. UIDs that are not safe path segments are
// mapped to a name-based UUID so the href stays stable across retries.
func ObjectHref(collectionPath, uid string) string {
	name := uid
	if !safeName.MatchString(uid) || strings.HasPrefix(uid, ".") {
		name = uuid.NewSHA1(uuid.NameSpaceURL, []byte(uid)).String()
	}
	return withSlash(collectionPath) + name + ".ics"
}

// PutObject creates or updates a calendar object with optimistic locking on
// its etag. When the response carries no ETag it is read back with PROPFIND.
func (c *davClient) PutObject(ctx context.Context, obj Object) (href, etag string, err error) {
	href = obj.Href
	if href == "" {
		if obj.UID == "" {
			return "", "", fmt.Errorf("object without href needs a UID")
		}
		href = ObjectHref(c.collection, obj.UID)
	}

	etag, err = c.httpClient.DoPUT(ctx, escapePath(href), obj.ETag, obj.Data)
	if err != nil {
		return "", "", classify("put "+href, err)
	}

	if etag == "" {
		ms, err := c.httpClient.DoPROPFIND(ctx, escapePath(href), 0, xml.PropGetETag)
		if err != nil {
			return href, "", classify("propfind getetag", err)
		}
		for i := range ms.Responses {
			if v := ms.Responses[i].ETag(); v != "" {
				etag = v
				break
			}
		}
		if etag == "" {
			return href, "", fmt.Errorf("no etag found for %s", href)
		}
	}

	c.logger.Debug("object written", "href", href, "etag", etag)
	return href, etag, nil
}

func (c *davClient) DeleteObject(ctx context.Context, href, etag string) error {
	if err := c.httpClient.DoDELETE(ctx, escapePath(href), etag); err != nil {
		return classify("delete "+href, err)
	}
	return nil
}

// escapePath turns a decoded href back into a URL reference.
func escapePath(p string) string {
	return (&url.URL{Path: p}).EscapedPath()
}
