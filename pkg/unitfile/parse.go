package unitfile

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/cuemby/burrow/pkg/types"
)

// Command is one exec step of a control command list. A leading "-" on the
// path makes a non-zero exit non-fatal.
type Command struct {
	Path          string   `msgpack:"path"`
	Args          []string `msgpack:"args"`
	IgnoreFailure bool     `msgpack:"ignore_failure"`
}

// String renders the command the way it was written in the unit file.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	p := c.Path
	if c.IgnoreFailure {
		p = "-" + p
	}
	parts = append(parts, p)
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// ParseCommand parses one Exec*= value into a Command. Words split on
// unquoted whitespace; single and double quotes group.
func ParseCommand(value string) (Command, error) {
	words, err := splitWords(value)
	if err != nil {
		return Command{}, err
	}
	if len(words) == 0 {
		return Command{}, types.NewError(types.ErrInvalidData, "empty command line")
	}
	var cmd Command
	path := words[0]
	if strings.HasPrefix(path, "-") {
		cmd.IgnoreFailure = true
		path = path[1:]
	}
	if path == "" || !strings.HasPrefix(path, "/") {
		return Command{}, types.NewError(types.ErrInvalidData, fmt.Sprintf("command path %q is not absolute", path))
	}
	cmd.Path = path
	cmd.Args = words[1:]
	return cmd, nil
}

func splitWords(s string) ([]string, error) {
	var words []string
	var cur strings.Builder
	var quote rune
	flush := func() {
		if cur.Len() > 0 {
			words = append(words, cur.String())
			cur.Reset()
		}
	}
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				words = append(words, cur.String())
				cur.Reset()
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case unicode.IsSpace(r):
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, types.NewError(types.ErrInvalidData, "unterminated quote in command line")
	}
	flush()
	return words, nil
}

// ParseDuration parses a unit-file time span. A bare number is seconds;
// otherwise the usual suffixed forms apply ("90s", "5min", "1h30m").
func ParseDuration(value string) (time.Duration, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0, types.NewError(types.ErrInvalidData, "empty time span")
	}
	if v == "infinity" {
		return time.Duration(1<<62 - 1), nil
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	v = strings.ReplaceAll(v, "min", "m")
	v = strings.ReplaceAll(v, "sec", "s")
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, types.WrapError(types.ErrInvalidData, fmt.Sprintf("bad time span %q", value), err)
	}
	return d, nil
}

// ParseBool parses the unit-file boolean spellings.
func ParseBool(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "yes", "true", "on":
		return true, nil
	case "0", "no", "false", "off":
		return false, nil
	}
	return false, types.NewError(types.ErrInvalidData, fmt.Sprintf("bad boolean %q", value))
}

// ParseLimit parses a Limit*= value: a number or "infinity".
func ParseLimit(value string) (*uint64, error) {
	v := strings.TrimSpace(value)
	if v == "" {
		return nil, nil
	}
	if v == "infinity" {
		inf := uint64(^uint64(0))
		return &inf, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return nil, types.WrapError(types.ErrInvalidData, fmt.Sprintf("bad limit %q", value), err)
	}
	return &n, nil
}

// splitUnitList splits a space-separated unit name list.
func splitUnitList(value string) []string {
	return strings.Fields(value)
}
