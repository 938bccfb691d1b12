package aging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBucketBoundaries(t *testing.T) {
	cases := map[int]Bucket{
		0:   BucketUnder30,
		29:  BucketUnder30,
		30:  Bucket30To60,
		60:  Bucket30To60,
		61:  Bucket61To90,
		90:  Bucket61To90,
		91:  Bucket91To180,
		180: Bucket91To180,
		181: BucketOver180,
		999: BucketOver180,
	}
	for days, want := range cases {
		require.Equal(t, want, BucketFor(days), "days=%d", days)
	}
}

func TestEveryDayCountLandsInExactlyOneBucket(t *testing.T) {
	for days := 0; days <= 400; days++ {
		hits := 0
		got := BucketFor(days)
		for _, b := range Buckets {
			if b == got {
				hits++
			}
		}
		require.Equal(t, 1, hits, "days=%d", days)
	}
}
