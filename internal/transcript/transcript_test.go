package transcript_test

import (
	"testing"

	"github.com/festnoze/squad-ai-sub002/internal/transcript"
)

var vocabulary = []string{"Studi", "Développeur Web", "BTS"}

func TestCorrector_Apply(t *testing.T) {
	t.Parallel()

	c := transcript.New(vocabulary)

	tests := []struct {
		name      string
		in        string
		want      string
		wantFixes []string
	}{
		{
			name:      "single word keeps punctuation",
			in:        "mon école c'est studie, je crois",
			want:      "mon école c'est Studi, je crois",
			wantFixes: []string{"studie"},
		},
		{
			name:      "multi word entry with accents",
			in:        "oui pour developeur web merci",
			want:      "oui pour Développeur Web merci",
			wantFixes: []string{"developeur web"},
		},
		{
			name: "unrelated sentence unchanged",
			in:   "bonjour je voudrais prendre rendez-vous",
			want: "bonjour je voudrais prendre rendez-vous",
		},
		{
			name: "exact term is not a correction",
			in:   "je suis chez Studi",
			want: "je suis chez Studi",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, fixes := c.Apply(tt.in)
			if got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.in, got, tt.want)
			}
			if len(fixes) != len(tt.wantFixes) {
				t.Fatalf("fixes = %+v, want originals %q", fixes, tt.wantFixes)
			}
			for i, f := range fixes {
				if f.Original != tt.wantFixes[i] {
					t.Errorf("fix %d original = %q, want %q", i, f.Original, tt.wantFixes[i])
				}
				if f.Confidence < 0.85 || f.Confidence > 1 {
					t.Errorf("fix %d confidence = %f", i, f.Confidence)
				}
			}
			if c.Correct(tt.in) != tt.want {
				t.Errorf("Correct(%q) disagrees with Apply", tt.in)
			}
		})
	}
}

func TestCorrector_IgnoresShortAndBlankEntries(t *testing.T) {
	t.Parallel()

	c := transcript.New([]string{"", "  ", "BTS"})
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0", c.Len())
	}
	in := "un BTS en alternance"
	if got, fixes := c.Apply(in); got != in || fixes != nil {
		t.Errorf("Apply = %q, %v", got, fixes)
	}
}

func TestCorrector_Thresholds(t *testing.T) {
	t.Parallel()

	strict := transcript.New([]string{"Studi"}, transcript.WithPhoneticThreshold(0.99), transcript.WithFuzzyThreshold(0.99))
	if got := strict.Correct("inscrit chez studie"); got != "inscrit chez studie" {
		t.Errorf("strict corrector changed the transcript: %q", got)
	}
}
