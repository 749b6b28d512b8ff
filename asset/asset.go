// Package asset defines the asset and variation models together with their
// MongoDB store.
//
// An asset describes a file uploaded to h51 including any variations of the
// file created by transform pipelines. Analyzers write into the asset's meta
// mapping; final transforms write into its variations mapping. Both use
// field-level updates so concurrent writers touching different paths do not
// clobber each other.
package asset

import (
	"crypto/rand"
	"fmt"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Type is the coarse asset classification derived from the content type.
type Type = string

// Asset types. TypeFile is the base type: capabilities registered for it
// apply to every asset.
const (
	TypeFile  Type = "file"
	TypeImage Type = "image"
	TypeAudio Type = "audio"
)

// UID alphabet and length. UIDs are URL safe and unique per account.
const (
	UIDCharset = "abcdefghijklmnopqrstuvwxyz0123456789"
	UIDLength  = 6
)

// Asset is a stored file plus its derived metadata and variations.
type Asset struct {
	ID       bson.ObjectID `bson:"_id,omitempty"`
	Created  time.Time     `bson:"created"`
	Modified time.Time     `bson:"modified"`

	// Account references the owning account.
	Account bson.ObjectID `bson:"account"`

	// Secure selects the account's secure backend instead of the public one.
	Secure bool `bson:"secure"`

	// Name is the slug-normalized human name; UID the short unique id;
	// Ext the file extension without the dot.
	Name string `bson:"name"`
	UID  string `bson:"uid"`
	Ext  string `bson:"ext"`

	// Type is the coarse asset type; ContentType the full content type.
	Type        Type   `bson:"type"`
	ContentType string `bson:"content_type"`

	// Expires is the unix timestamp after which the asset is logically
	// absent from all API reads. Nil means the asset is permanent.
	Expires *float64 `bson:"expires,omitempty"`

	// Meta holds data extracted from the file, keyed by asset type then
	// analyzer name.
	Meta map[string]any `bson:"meta,omitempty"`

	// Variations maps variation names to their records.
	Variations map[string]Variation `bson:"variations,omitempty"`
}

// StoreKey returns the blob key for the asset's primary file.
func (a *Asset) StoreKey() string {
	return strings.Join([]string{a.Name, a.UID, a.Ext}, ".")
}

// Expired reports whether the asset has passed its expiry timestamp.
func (a *Asset) Expired(now time.Time) bool {
	if a.Expires == nil {
		return false
	}
	return *a.Expires <= float64(now.UnixNano())/1e9
}

// ToAPI returns the JSON-safe representation of the asset as presented to API
// callers. The database id and account reference are private.
func (a *Asset) ToAPI() map[string]any {
	variations := map[string]any{}
	for name, v := range a.Variations {
		variations[name] = v.toAPI(a, name)
	}
	data := map[string]any{
		"created":      a.Created.UTC().Format(time.RFC3339),
		"modified":     a.Modified.UTC().Format(time.RFC3339),
		"secure":       a.Secure,
		"name":         a.Name,
		"uid":          a.UID,
		"ext":          a.Ext,
		"type":         a.Type,
		"content_type": a.ContentType,
		"expires":      nilable(a.Expires),
		"meta":         a.Meta,
		"variations":   variations,
		"store_key":    a.StoreKey(),
	}
	if a.Meta == nil {
		data["meta"] = map[string]any{}
	}
	return data
}

func nilable(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

// Variation is a derived artefact of an asset produced by a transform
// pipeline.
type Variation struct {
	// ContentType is derived from Ext (e.g. image/png).
	ContentType string `bson:"content_type"`
	// Ext is the file extension without the dot.
	Ext string `bson:"ext"`
	// Meta holds data about the variation; it always includes length.
	Meta map[string]any `bson:"meta"`
	// Version is a 3 char base-36 counter. Versioned variations get a new
	// store key on each overwrite so old URLs stay cacheable until purge.
	// Nil marks the variation versionless.
	Version *string `bson:"version,omitempty"`
}

// StoreKey returns the blob key for the variation:
// name.uid.variation_name[.version].ext.
func (v Variation) StoreKey(a *Asset, name string) string {
	parts := []string{a.Name, a.UID, name}
	if v.Version != nil {
		parts = append(parts, *v.Version)
	}
	parts = append(parts, v.Ext)
	return strings.Join(parts, ".")
}

func (v Variation) toAPI(a *Asset, name string) map[string]any {
	data := map[string]any{
		"content_type": v.ContentType,
		"ext":          v.Ext,
		"meta":         v.Meta,
		"store_key":    v.StoreKey(a, name),
	}
	if v.Version != nil {
		data["version"] = *v.Version
	} else {
		data["version"] = nil
	}
	return data
}

// NextVersion returns the version string following current: a base-36
// counter left-padded to 3 chars ("001", "002", ... "zzz", "1000"). A nil
// current yields "001".
func NextVersion(current *string) string {
	v := int64(0)
	if current != nil {
		parsed, err := strconv.ParseInt(*current, 36, 64)
		if err == nil {
			v = parsed
		}
	}
	s := strconv.FormatInt(v+1, 36)
	for len(s) < 3 {
		s = "0" + s
	}
	return s
}

// GenerateUID returns a fresh 6 char uid drawn from the uid charset.
func GenerateUID() string {
	buf := make([]byte, UIDLength)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random bytes: %v", err))
	}
	for i, b := range buf {
		buf[i] = UIDCharset[int(b)%len(UIDCharset)]
	}
	return string(buf)
}

// ContentTypeForExt guesses the content type for a file extension, falling
// back to application/octet-stream.
func ContentTypeForExt(ext string) string {
	if ext == "" {
		return "application/octet-stream"
	}
	ct := mime.TypeByExtension("." + ext)
	if ct == "" {
		return "application/octet-stream"
	}
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = ct[:i]
	}
	return ct
}

var (
	nameDisallowed      = regexp.MustCompile(`[^-a-z0-9/]+`)
	variationDisallowed = regexp.MustCompile(`[^-_a-z0-9]+`)
	dashRuns            = regexp.MustCompile(`-{2,}`)
)

// SlugName normalizes a caller-supplied asset name: lowercased, disallowed
// characters collapsed to dashes, trimmed, capped at 200 chars.
func SlugName(name string) string {
	return slug(name, nameDisallowed, 200)
}

// SlugVariationName normalizes a variation name with the variation alphabet
// (underscores allowed, no slashes).
func SlugVariationName(name string) string {
	return slug(name, variationDisallowed, 0)
}

// ValidVariationName reports whether the name slug-normalizes to itself.
// Unlike asset names, leading/trailing dashes are tolerated.
func ValidVariationName(name string) bool {
	if name == "" {
		return false
	}
	return SlugVariationName(name) == strings.Trim(name, "-")
}

func slug(s string, disallowed *regexp.Regexp, maxLen int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = disallowed.ReplaceAllString(s, "-")
	s = dashRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if maxLen > 0 && len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	return s
}
