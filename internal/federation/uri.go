package federation

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// URI helpers for the identifiers this server assigns to its own objects.
// Local rows carry no federation identifier column; their URIs are synthesized
// from the configured domain on demand.

// PostURI returns the federation identifier of a local post.
func PostURI(domain string, id int64) string {
	return fmt.Sprintf("https://%s/posts/%d", domain, id)
}

// UserURI returns the federation identifier of a local user.
func UserURI(domain string, id int64) string {
	return fmt.Sprintf("https://%s/users/%d", domain, id)
}

// GroupURI returns the federation identifier of a local group.
func GroupURI(domain string, id int64) string {
	return fmt.Sprintf("https://%s/groups/%d", domain, id)
}

// IsLocal reports whether uri points at this server.
func IsLocal(domain, uri string) bool {
	u, err := url.Parse(uri)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, domain)
}

// localID extracts the numeric ID from a local URI of the form
// https://<domain>/<collection>/<id>.
func localID(domain, uri, collection string) (int64, bool) {
	if !IsLocal(domain, uri) {
		return 0, false
	}
	u, err := url.Parse(uri)
	if err != nil {
		return 0, false
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] != collection {
		return 0, false
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// LocalPostID extracts the post ID from a local post URI.
func LocalPostID(domain, uri string) (int64, bool) {
	return localID(domain, uri, "posts")
}

// LocalUserID extracts the user ID from a local user URI.
func LocalUserID(domain, uri string) (int64, bool) {
	return localID(domain, uri, "users")
}

// LocalGroupID extracts the group ID from a local group URI.
func LocalGroupID(domain, uri string) (int64, bool) {
	return localID(domain, uri, "groups")
}
