package webdav

import (
	"encoding/xml"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

type multistatus struct {
	XMLName   xml.Name     `xml:"DAV: multistatus"`
	Responses []msResponse `xml:"response"`
}

type msResponse struct {
	Href      string       `xml:"href"`
	Propstats []msPropstat `xml:"propstat"`
}

type msPropstat struct {
	Status string `xml:"status"`
	Prop   msProp `xml:"prop"`
}

type msProp struct {
	ResourceType  msResourceType `xml:"resourcetype"`
	ContentLength string         `xml:"getcontentlength"`
	LastModified  string         `xml:"getlastmodified"`
	ETag          string         `xml:"getetag"`
}

type msResourceType struct {
	Collection *struct{} `xml:"collection"`
}

// parseMultistatus turns a PROPFIND response body into RemoteObject records.
// Each href is normalized against the store's base path and compared
// case-sensitively against the queried path so a directory never lists
// itself. Absence of any individual property must not fail the entry:
// missing size defaults to 0, missing modification time to the epoch, and a
// missing etag stays empty.
func parseMultistatus(body []byte, basePath, requestPath string) ([]RemoteObject, error) {
	var parsed multistatus
	if err := xml.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	objects := make([]RemoteObject, 0, len(parsed.Responses))
	for _, response := range parsed.Responses {
		relPath, ok := hrefToRelPath(response.Href, basePath)
		if !ok {
			continue
		}
		if relPath == requestPath || relPath == "" {
			continue
		}
		prop := pickProp(response.Propstats)
		objects = append(objects, RemoteObject{
			Path:    relPath,
			Size:    parseContentLength(prop.ContentLength),
			ModTime: parseLastModified(prop.LastModified),
			ETag:    strings.TrimSpace(prop.ETag),
			IsDir:   prop.ResourceType.Collection != nil,
		})
	}
	return objects, nil
}

func hrefToRelPath(href, basePath string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	if parsed, err := url.Parse(href); err == nil && parsed.Path != "" {
		href = parsed.Path
	}
	if unescaped, err := url.PathUnescape(href); err == nil {
		href = unescaped
	}
	href = "/" + strings.Trim(href, "/")
	base := "/" + strings.Trim(basePath, "/")
	if base == "/" {
		return strings.Trim(href, "/"), true
	}
	if href == base {
		return "", true
	}
	if !strings.HasPrefix(href, base+"/") {
		return "", false
	}
	return strings.Trim(strings.TrimPrefix(href, base+"/"), "/"), true
}

// pickProp prefers the propstat block whose status reports 200; servers split
// found and not-found properties into separate blocks.
func pickProp(propstats []msPropstat) msProp {
	for _, propstat := range propstats {
		if strings.Contains(propstat.Status, "200") {
			return propstat.Prop
		}
	}
	if len(propstats) > 0 {
		return propstats[0].Prop
	}
	return msProp{}
}

func parseContentLength(raw string) int64 {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	size, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || size < 0 {
		return 0
	}
	return size
}

func parseLastModified(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Unix(0, 0).UTC()
	}
	if ts, err := http.ParseTime(raw); err == nil {
		return ts
	}
	if ts, err := time.Parse(time.RFC3339, raw); err == nil {
		return ts
	}
	return time.Unix(0, 0).UTC()
}
