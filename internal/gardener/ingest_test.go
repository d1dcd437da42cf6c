package gardener

import (
	"testing"
)

func TestExtractListFacts(t *testing.T) {
	src := []byte(`# Notes

Some prose that is not a fact and should be ignored.

- Dana prefers tea over coffee
- The router password is stored in the vault
* Server backups run nightly

1. The office closes at 18:00
`)

	facts := ExtractListFacts(src)
	want := []string{
		"Dana prefers tea over coffee",
		"The router password is stored in the vault",
		"Server backups run nightly",
		"The office closes at 18:00",
	}
	if len(facts) != len(want) {
		t.Fatalf("facts = %v, want %d items", facts, len(want))
	}
	for i := range want {
		if facts[i] != want[i] {
			t.Errorf("fact %d = %q, want %q", i, facts[i], want[i])
		}
	}
}

func TestExtractListFactsEmpty(t *testing.T) {
	if facts := ExtractListFacts([]byte("just prose, no lists")); len(facts) != 0 {
		t.Errorf("facts = %v, want none", facts)
	}
	if facts := ExtractListFacts(nil); len(facts) != 0 {
		t.Errorf("facts = %v, want none", facts)
	}
}
