package channels

import (
	"slices"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		want   int
	}{
		{"short", "hello", 10, 1},
		{"exact", strings.Repeat("a", 10), 10, 1},
		{"plain", strings.Repeat("a", 25), 10, 3},
		{"newline", strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8), 10, 2},
		{"multibyte", strings.Repeat("你", 10), 7, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			chunks := SplitMessage(tt.text, tt.maxLen)
			if len(chunks) != tt.want {
				t.Fatalf("got %d chunks %q, want %d", len(chunks), chunks, tt.want)
			}
			if strings.Join(chunks, "") != tt.text {
				t.Error("chunks do not reassemble the input")
			}
			for _, c := range chunks {
				if len(c) > tt.maxLen {
					t.Errorf("chunk %q exceeds %d bytes", c, tt.maxLen)
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %q is not valid UTF-8", c)
				}
			}
		})
	}
}

func TestCompositeIDs(t *testing.T) {
	t.Parallel()

	ids := []string{"11", "12", "13"}
	if got := SplitIDs(JoinIDs(ids)); !slices.Equal(got, ids) {
		t.Errorf("SplitIDs(JoinIDs) = %v", got)
	}
	if got := SplitIDs(""); got != nil {
		t.Errorf("SplitIDs(\"\") = %v, want nil", got)
	}
}
