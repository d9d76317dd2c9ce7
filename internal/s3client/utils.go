package s3client

import (
	"fmt"
	"strings"

	"github.com/yuya-takeyama/patchsync/internal/walker"
)

// Location is a bucket plus a key prefix that is empty or ends with '/'.
type Location struct {
	Bucket string
	Prefix string
}

// ParseURI parses an s3://bucket/prefix URI.
func ParseURI(uri string) (Location, error) {
	if !strings.HasPrefix(uri, "s3://") {
		return Location{}, fmt.Errorf("invalid S3 URI %q: must start with s3://", uri)
	}

	bucket, prefix, _ := strings.Cut(strings.TrimPrefix(uri, "s3://"), "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("invalid S3 URI %q: missing bucket name", uri)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return Location{Bucket: bucket, Prefix: prefix}, nil
}

// Key returns the object key for a manifest-relative path.
func (l Location) Key(relPath string) string {
	return walker.ObjectKey(l.Prefix, relPath)
}

func (l Location) String() string {
	return "s3://" + l.Bucket + "/" + l.Prefix
}
