package manager

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReadMountPoints tests mountinfo parsing against a fixture.
func TestReadMountPoints(t *testing.T) {
	fixture := `21 26 0:19 / /sys rw,nosuid,nodev,noexec,relatime shared:7 - sysfs sysfs rw
26 1 8:1 / / rw,relatime shared:1 - ext4 /dev/sda1 rw
30 26 8:2 / /mnt/with\040space rw,relatime shared:12 - ext4 /dev/sda2 rw
garbage line
`
	dir := t.TempDir()
	path := filepath.Join(dir, "mountinfo")
	require.NoError(t, os.WriteFile(path, []byte(fixture), 0644))

	old := mountInfoPath
	mountInfoPath = path
	defer func() { mountInfoPath = old }()

	points, err := readMountPoints()
	require.NoError(t, err)
	assert.True(t, points["/sys"])
	assert.True(t, points["/"])
	assert.True(t, points["/mnt/with space"])
	assert.False(t, points["/nonexistent"])
}

func TestUnescapeMountPath(t *testing.T) {
	assert.Equal(t, "/mnt/a b", unescapeMountPath(`/mnt/a\040b`))
	assert.Equal(t, "/plain", unescapeMountPath("/plain"))
	assert.Equal(t, `/odd\x`, unescapeMountPath(`/odd\x`))
}
