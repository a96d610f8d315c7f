package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplit(t *testing.T) {
	tests := map[string]struct {
		line string
		argv []string
	}{
		"simple": {
			line: "echo hello",
			argv: []string{"echo", "hello"},
		},
		"collapsed blanks": {
			line: "sleep \t 5",
			argv: []string{"sleep", "5"},
		},
		"trailing newline": {
			line: "true\n",
			argv: []string{"true"},
		},
		"carriage returns": {
			line: "sh\r-c\rexit",
			argv: []string{"sh", "-c", "exit"},
		},
		"empty": {
			line: "",
			argv: nil,
		},
		"all blanks": {
			line: " \t\r\n",
			argv: nil,
		},
		"metacharacters are literal": {
			line: "cat a|b >c",
			argv: []string{"cat", "a|b", ">c"},
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			argv := Split(test.line)
			if test.argv == nil {
				assert.Empty(t, argv)
				return
			}
			assert.Equal(t, test.argv, argv)
		})
	}
}
