package asset

import (
	"strconv"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreKey(t *testing.T) {
	a := &Asset{Name: "images/cover", UID: "a1b2c3", Ext: "jpg"}
	assert.Equal(t, "images/cover.a1b2c3.jpg", a.StoreKey())
}

func TestVariationStoreKey(t *testing.T) {
	a := &Asset{Name: "images/cover", UID: "a1b2c3", Ext: "jpg"}

	v := Variation{Ext: "webp"}
	assert.Equal(t, "images/cover.a1b2c3.thumb.webp", v.StoreKey(a, "thumb"))

	version := "002"
	v.Version = &version
	assert.Equal(t, "images/cover.a1b2c3.thumb.002.webp", v.StoreKey(a, "thumb"))
}

func TestNextVersion(t *testing.T) {
	assert.Equal(t, "001", NextVersion(nil))

	one := "001"
	assert.Equal(t, "002", NextVersion(&one))

	nine := "009"
	assert.Equal(t, "00a", NextVersion(&nine))

	last := "zzz"
	assert.Equal(t, "1000", NextVersion(&last))
}

func TestNextVersionProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("versions are strictly increasing as base-36", prop.ForAll(
		func(n int64) bool {
			cur := strconv.FormatInt(n, 36)
			for len(cur) < 3 {
				cur = "0" + cur
			}
			next := NextVersion(&cur)
			nv, err := strconv.ParseInt(next, 36, 64)
			return err == nil && nv == n+1
		},
		gen.Int64Range(0, 1<<40),
	))

	properties.Property("versions below zzz keep width 3", prop.ForAll(
		func(n int64) bool {
			cur := strconv.FormatInt(n, 36)
			for len(cur) < 3 {
				cur = "0" + cur
			}
			return len(NextVersion(&cur)) == 3
		},
		gen.Int64Range(0, 36*36*36-2),
	))

	properties.TestingRun(t)
}

func TestGenerateUID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		uid := GenerateUID()
		require.Len(t, uid, UIDLength)
		for _, c := range uid {
			assert.Contains(t, UIDCharset, string(c))
		}
		seen[uid] = true
	}
	// 36^6 values make collisions across 100 draws vanishingly unlikely.
	assert.Greater(t, len(seen), 95)
}

func TestExpired(t *testing.T) {
	now := time.Now()

	a := &Asset{}
	assert.False(t, a.Expired(now))

	past := float64(now.Add(-time.Hour).Unix())
	a.Expires = &past
	assert.True(t, a.Expired(now))

	future := float64(now.Add(time.Hour).Unix())
	a.Expires = &future
	assert.False(t, a.Expired(now))
}

func TestSlugName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello-world"},
		{"images/Cover Photo.jpg", "images/cover-photo-jpg"},
		{"--already-dashed--", "already-dashed"},
		{"a  b   c", "a-b-c"},
		{"UPPER_case", "upper-case"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SlugName(tt.in), tt.in)
	}

	long := ""
	for i := 0; i < 50; i++ {
		long += "abcde"
	}
	assert.LessOrEqual(t, len(SlugName(long)), 200)
}

func TestValidVariationName(t *testing.T) {
	assert.True(t, ValidVariationName("thumb"))
	assert.True(t, ValidVariationName("thumb_small"))
	assert.True(t, ValidVariationName("thumb-2x"))
	assert.False(t, ValidVariationName("Thumb"))
	assert.False(t, ValidVariationName("thumb small"))
	assert.False(t, ValidVariationName("thumb/2x"))
	assert.False(t, ValidVariationName(""))
}

func TestContentTypeForExt(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentTypeForExt("jpg"))
	assert.Equal(t, "image/png", ContentTypeForExt("png"))
	assert.Equal(t, "application/octet-stream", ContentTypeForExt(""))
	assert.Equal(t, "application/octet-stream", ContentTypeForExt("nosuchext"))
}

func TestToAPIExcludesPrivateFields(t *testing.T) {
	version := "001"
	a := &Asset{
		Created:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Modified:    time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
		Name:        "cover",
		UID:         "a1b2c3",
		Ext:         "jpg",
		Type:        TypeImage,
		ContentType: "image/jpeg",
		Variations: map[string]Variation{
			"thumb": {ContentType: "image/webp", Ext: "webp", Version: &version},
		},
	}

	data := a.ToAPI()
	assert.NotContains(t, data, "_id")
	assert.NotContains(t, data, "account")
	assert.Equal(t, "cover.a1b2c3.jpg", data["store_key"])
	assert.Nil(t, data["expires"])

	variations := data["variations"].(map[string]any)
	thumb := variations["thumb"].(map[string]any)
	assert.Equal(t, "cover.a1b2c3.thumb.001.webp", thumb["store_key"])
	assert.Equal(t, "001", thumb["version"])
}
