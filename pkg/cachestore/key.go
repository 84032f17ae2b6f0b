package cachestore

import (
	"net/http"
	"net/url"
	"strings"
)

// RequestKey identifies a stored response: the request method and the
// absolute request URL without its fragment.
type RequestKey struct {
	Method string
	URL    string
}

// NewRequestKey normalizes method and u into a RequestKey.
// An empty method means GET.
func NewRequestKey(method string, u *url.URL) RequestKey {
	if len(method) == 0 {
		method = http.MethodGet
	}
	uu := *u
	uu.Fragment = ""
	uu.RawFragment = ""
	return RequestKey{
		Method: strings.ToUpper(method),
		URL:    uu.String(),
	}
}

func (k RequestKey) String() string {
	return k.Method + " " + k.URL
}

// Backend key layout. The NUL separator cannot appear in a cache name
// accepted by Storage.Open, nor in a method token.
const (
	nameKeyPrefix  = "n\x00"
	entryKeyPrefix = "e\x00"
)

func nameKey(name string) string {
	return nameKeyPrefix + name
}

func entryPrefix(name string) string {
	return entryKeyPrefix + name + "\x00"
}

func entryKey(name string, k RequestKey) string {
	return entryPrefix(name) + k.String()
}

func parseEntryKey(name, key string) (RequestKey, bool) {
	s, ok := strings.CutPrefix(key, entryPrefix(name))
	if !ok {
		return RequestKey{}, false
	}
	m, u, ok := strings.Cut(s, " ")
	if !ok {
		return RequestKey{}, false
	}
	return RequestKey{Method: m, URL: u}, true
}
