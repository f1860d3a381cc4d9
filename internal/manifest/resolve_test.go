package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const prefix = "datasets/skin/preprocessed/images/"

func TestToken(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"IMG_0042_jpg.rf.3f9a1c2b.jpg", "3f9a1c2b"},
		{"x.RF.ABCDEF12.jpg", "abcdef12"},
		{"x.rf.abc.jpg", ""},       // Too short
		{"surf.abcdef12.jpg", ""},  // No word boundary before rf
		{"plain-name.jpg", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Token(tt.name), tt.name)
	}
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "img-jpg.rf.abc.jpg", NormalizeName("IMG_jpg.rf.abc.jpg"))
	assert.Equal(t, "a_b-png.x.png", NormalizeName("train/A__B_png.x.png"))
	assert.Equal(t, "c-jpeg.y.jpg", NormalizeName(`dir\C_jpeg.y.jpg`))
}

func TestResolveTiers(t *testing.T) {
	r := NewResolver([]string{
		prefix + "lesion-01_jpg.rf.aaaaaa11.jpg",
		prefix + "mole-jpg.rf.zzz.jpg",
		prefix + "acne_photo_0007.jpg",
	}, 0.6)

	m := r.Resolve("renamed_by_tool.rf.AAAAAA11.jpg")
	assert.Equal(t, TierExact, m.Tier)
	assert.Equal(t, prefix+"lesion-01_jpg.rf.aaaaaa11.jpg", m.Key)

	m = r.Resolve("MOLE_jpg.rf.zzz.jpg")
	assert.Equal(t, TierNormalized, m.Tier)
	assert.Equal(t, prefix+"mole-jpg.rf.zzz.jpg", m.Key)

	m = r.Resolve("acne_photo_0008.jpg")
	assert.Equal(t, TierFuzzy, m.Tier)
	assert.Equal(t, prefix+"acne_photo_0007.jpg", m.Key)
	assert.GreaterOrEqual(t, m.Score, 0.6)
	assert.Less(t, m.Score, 1.0)

	m = r.Resolve("completely-different.png")
	assert.Equal(t, TierUnmatched, m.Tier)
	assert.Empty(t, m.Key)
}

func TestResolveTokenBeatsName(t *testing.T) {
	r := NewResolver([]string{
		prefix + "a.rf.111111.jpg",
		prefix + "b.rf.222222.jpg",
	}, 0.6)
	// The name normalizes to the first key but the token points at the second.
	m := r.Resolve("a.rf.222222.jpg")
	assert.Equal(t, TierExact, m.Tier)
	assert.Equal(t, prefix+"b.rf.222222.jpg", m.Key)
}

func TestResolveFuzzyTieIsDeterministic(t *testing.T) {
	keys := []string{prefix + "img_b.jpg", prefix + "img_a.jpg"}
	for i := 0; i < 10; i++ {
		m := NewResolver(keys, 0.5).Resolve("img_c.jpg")
		assert.Equal(t, TierFuzzy, m.Tier)
		assert.Equal(t, prefix+"img_a.jpg", m.Key)
	}
}

func TestResolveCutoff(t *testing.T) {
	r := NewResolver([]string{prefix + "abcdefgh.jpg"}, 0.99)
	assert.Equal(t, TierUnmatched, r.Resolve("abcdefgx.jpg").Tier)
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "exact", TierExact.String())
	assert.Equal(t, "normalized", TierNormalized.String())
	assert.Equal(t, "fuzzy", TierFuzzy.String())
	assert.Equal(t, "unmatched", TierUnmatched.String())
}
