package aging

// Bucket labels an aging window in days.
type Bucket string

const (
	BucketUnder30 Bucket = "<30"
	Bucket30To60  Bucket = "30-60"
	Bucket61To90  Bucket = "61-90"
	Bucket91To180 Bucket = "91-180"
	BucketOver180 Bucket = ">180"
)

// Buckets lists every bucket in display order.
var Buckets = []Bucket{BucketUnder30, Bucket30To60, Bucket61To90, Bucket91To180, BucketOver180}

// BucketFor places a non-negative day count into exactly one bucket.
func BucketFor(days int) Bucket {
	switch {
	case days < 30:
		return BucketUnder30
	case days <= 60:
		return Bucket30To60
	case days <= 90:
		return Bucket61To90
	case days <= 180:
		return Bucket91To180
	default:
		return BucketOver180
	}
}
