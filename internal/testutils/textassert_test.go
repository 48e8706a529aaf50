package testutils_test

import (
	"testing"

	"github.com/srg/bluehub/internal/testutils"
)

func TestTextAssertEqual(t *testing.T) {
	ta := testutils.NewTextAsserter(t)
	ta.Assert("line one\nline two", "line one\nline two")
}

func TestTextAssertTrimsByDefault(t *testing.T) {
	ta := testutils.NewTextAsserter(t)
	ta.Assert("\n  value  \n", "value")
}

func TestTextAssertIgnoresTrailingWhitespace(t *testing.T) {
	ta := testutils.NewTextAsserter(t)
	ta.Assert("a\t\nb  ", "a\nb")
}
