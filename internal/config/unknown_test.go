package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    []string
		notWant string
	}{
		{
			name:    "typo in section",
			content: "[verify]\ngroup_sise = 5\n",
			want:    []string{`unknown config key "group_sise" in [verify]`, `did you mean "group_size"`},
		},
		{
			name:    "unrelated key",
			content: "[filter]\ncompletely_unrelated_key = true\n",
			want:    []string{`unknown config key "completely_unrelated_key" in [filter]`},
			notWant: "did you mean",
		},
		{
			name:    "misspelled section",
			content: "[schedul]\narchive = \"0 1 * * *\"\n",
			want:    []string{"unknown config section [schedul]", "did you mean [schedule]"},
		},
		{
			name:    "top-level key",
			content: "log_level = \"debug\"\n",
			want:    []string{`unknown config key "log_level"`, "section"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := Load(writeTestConfig(t, tt.content))
			require.Error(t, err)

			for _, w := range tt.want {
				assert.Contains(t, err.Error(), w)
			}

			if tt.notWant != "" {
				assert.NotContains(t, err.Error(), tt.notWant)
			}
		})
	}
}

func TestLoad_UnknownSectionReportedOnce(t *testing.T) {
	t.Parallel()

	_, err := Load(writeTestConfig(t, "[bogus]\na = 1\nb = 2\n"))
	require.Error(t, err)
	assert.Equal(t, 1, countOccurrences(err.Error(), "[bogus]"))
}

func countOccurrences(s, sub string) int {
	n := 0

	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			n++
		}
	}

	return n
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"group_size", "group_sise", 1},
		{"same", "same", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestClosestMatch(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "verify", closestMatch("verfy", knownSections))
	assert.Empty(t, closestMatch("zzzzzzzzzz", knownSections))
}
