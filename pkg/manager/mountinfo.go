package manager

import (
	"bufio"
	"os"
	"strings"
)

// mountInfoPath is a variable so tests can substitute a fixture.
var mountInfoPath = "/proc/self/mountinfo"

// readMountPoints parses mountinfo into the set of mount points.
func readMountPoints() (map[string]bool, error) {
	f, err := os.Open(mountInfoPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	points := make(map[string]bool)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		// 36 35 98:0 /mnt1 /mnt2 rw,noatime master:1 - ext3 /dev/root rw
		fields := strings.Fields(sc.Text())
		if len(fields) < 5 {
			continue
		}
		points[unescapeMountPath(fields[4])] = true
	}
	return points, sc.Err()
}

// unescapeMountPath reverses the octal escaping mountinfo applies to
// spaces, tabs, newlines and backslashes.
func unescapeMountPath(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 < len(s) {
			oct := s[i+1 : i+4]
			n := 0
			valid := true
			for _, c := range oct {
				if c < '0' || c > '7' {
					valid = false
					break
				}
				n = n*8 + int(c-'0')
			}
			if valid {
				b.WriteByte(byte(n))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
