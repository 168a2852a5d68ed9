package base

const (
	// PageSize is the fixed size of an on-disk page.
	PageSize = 4096

	// DefaultBucketSize is the default subpage size. Four buckets per page.
	DefaultBucketSize = 1024
)

// Page is a raw disk page. Buckets are carved out of it at fixed offsets
// 0, bucketSize, 2*bucketSize, ... so a single page hosts several tree nodes.
type Page struct {
	Data [PageSize]byte
}

// Comparator orders serialized keys. The default is bytes.Compare; encodings
// stored with a non-bytewise order supply their own.
type Comparator func(a, b []byte) int
