package gcsutils

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// ParseURL splits a gs://bucket/object URL into its bucket and object. The
// object may be empty.
func ParseURL(u string) (string, string, error) {
	rest, ok := strings.CutPrefix(u, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%s is not a gs:// URL", u)
	}
	bkt, obj, _ := strings.Cut(rest, "/")
	if bkt == "" {
		return "", "", fmt.Errorf("%s has no bucket", u)
	}
	return bkt, obj, nil
}

// JoinURL joins path elements onto a gs:// URL with single slashes.
func JoinURL(base string, elems ...string) string {
	res := strings.TrimRight(base, "/")
	for _, e := range elems {
		e = strings.Trim(e, "/")
		if e == "" {
			continue
		}
		res += "/" + e
	}
	return res
}

// ObjectExists reports whether the object behind a gs:// URL exists.
func ObjectExists(ctx context.Context, cli *storage.Client, u string) (bool, error) {
	bkt, obj, err := ParseURL(u)
	if err != nil {
		return false, err
	}
	if obj == "" {
		return false, fmt.Errorf("%s does not name an object", u)
	}
	_, err = cli.Bucket(bkt).Object(obj).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get attrs for %s: %v", u, err)
	}
	return true, nil
}
