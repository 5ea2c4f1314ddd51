package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScriptLoop(t *testing.T) {
	t.Parallel()
	var lines []string
	ScriptLoop(strings.NewReader("q08\n\n  # comment\n show \n"), func(line string) {
		lines = append(lines, line)
	})
	assert.Equal(t, []string{"q08", "show"}, lines)
}
