package unitfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
)

func writeUnit(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func TestLocateSearchOrder(t *testing.T) {
	etc := filepath.Join(t.TempDir(), "etc")
	lib := filepath.Join(t.TempDir(), "lib")
	writeUnit(t, lib, "sshd.service", "[Service]\nExecStart=/usr/sbin/sshd\n")
	writeUnit(t, etc, "sshd.service", "[Service]\nExecStart=/usr/local/sbin/sshd\n")

	sp := SearchPath{Dirs: []string{etc, lib}}
	loc, err := sp.Locate("sshd.service")
	require.NoError(t, err)
	assert.True(t, loc.Found)
	assert.Equal(t, filepath.Join(etc, "sshd.service"), loc.Primary)
}

func TestLocateMasked(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Symlink("/dev/null", filepath.Join(dir, "noisy.service")))

	sp := SearchPath{Dirs: []string{dir}}
	loc, err := sp.Locate("noisy.service")
	require.NoError(t, err)
	assert.True(t, loc.Found)
	assert.True(t, loc.Masked)
}

func TestLocateTemplateFallback(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "getty@.service", "[Service]\nExecStart=/sbin/agetty %i\n")

	sp := SearchPath{Dirs: []string{dir}}
	loc, err := sp.Locate("getty@tty1.service")
	require.NoError(t, err)
	assert.True(t, loc.Found)
	assert.True(t, loc.Template)
	assert.Equal(t, filepath.Join(dir, "getty@.service"), loc.Primary)
}

func TestLoadTemplateInstanceSubstitution(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "getty@.service",
		"[Unit]\nDescription=Getty on %i\n[Service]\nExecStart=/sbin/agetty -o -p -- \\u %i\n")

	cfg, _, loc, err := Load(SearchPath{Dirs: []string{dir}}, "getty@tty1.service")
	require.NoError(t, err)
	require.True(t, loc.Found)
	assert.Equal(t, "Getty on tty1", cfg.Unit.Description)
	require.Len(t, cfg.Service.ExecStart, 1)
	assert.Contains(t, cfg.Service.ExecStart[0].Args, "tty1")
}

func TestLoadDropIns(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "web.service",
		"[Unit]\nDescription=Web\n[Service]\nExecStart=/usr/bin/web\n")
	writeUnit(t, filepath.Join(dir, "web.service.d"), "10-env.conf",
		"[Service]\nEnvironment=PORT=8080\n")

	cfg, _, loc, err := Load(SearchPath{Dirs: []string{dir}}, "web.service")
	require.NoError(t, err)
	require.Len(t, loc.DropIns, 1)
	assert.Equal(t, []string{"PORT=8080"}, cfg.Service.Environment)
	assert.Equal(t, "Web", cfg.Unit.Description)
}

func TestLoadMtimeAggregate(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "web.service", "[Service]\nExecStart=/usr/bin/web\n")
	drop := writeUnit(t, filepath.Join(dir, "web.service.d"), "10.conf", "[Service]\nUMask=0077\n")

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(drop, future, future))

	loc, err := SearchPath{Dirs: []string{dir}}.Locate("web.service")
	require.NoError(t, err)
	assert.WithinDuration(t, future, loc.Mtime, time.Second)
}

func TestLoadDependencies(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "app.service",
		"[Unit]\nRequires=db.service\nAfter=db.service network.target\nConflicts=other.service\n"+
			"[Service]\nExecStart=/usr/bin/app\n")

	_, deps, _, err := Load(SearchPath{Dirs: []string{dir}}, "app.service")
	require.NoError(t, err)
	assert.Contains(t, deps, graph.Dep{Relation: graph.Requires, Target: "db.service"})
	assert.Contains(t, deps, graph.Dep{Relation: graph.After, Target: "db.service"})
	assert.Contains(t, deps, graph.Dep{Relation: graph.After, Target: "network.target"})
	assert.Contains(t, deps, graph.Dep{Relation: graph.Conflicts, Target: "other.service"})
}

func TestLoadTriggerEdges(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "api.socket", "[Socket]\nListenStream=/run/api.sock\n")

	_, deps, _, err := Load(SearchPath{Dirs: []string{dir}}, "api.socket")
	require.NoError(t, err)
	assert.Contains(t, deps, graph.Dep{Relation: graph.Triggers, Target: "api.service"})
	assert.Contains(t, deps, graph.Dep{Relation: graph.Before, Target: "api.service"})
}

func TestStartLimitSecSpellingWins(t *testing.T) {
	dir := t.TempDir()
	writeUnit(t, dir, "x.service",
		"[Unit]\nStartLimitInterval=30\nStartLimitIntervalSec=60\nStartLimitBurst=7\n"+
			"[Service]\nExecStart=/bin/true\n")

	cfg, _, _, err := Load(SearchPath{Dirs: []string{dir}}, "x.service")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Unit.StartLimitInterval)
	assert.Equal(t, uint32(7), cfg.Unit.StartLimitBurst)
}

func TestValidateServiceRules(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{
			name:    "simple without ExecStart",
			body:    "[Service]\nType=simple\n",
			wantErr: true,
		},
		{
			name:    "oneshot without ExecStart but RemainAfterExit",
			body:    "[Service]\nType=oneshot\nRemainAfterExit=yes\n",
			wantErr: false,
		},
		{
			name:    "oneshot with Restart=always",
			body:    "[Service]\nType=oneshot\nExecStart=/bin/true\nRestart=always\n",
			wantErr: true,
		},
		{
			name:    "simple with two ExecStart",
			body:    "[Service]\nType=simple\nExecStart=/bin/a\nExecStart=/bin/b\n",
			wantErr: true,
		},
		{
			name:    "oneshot with two ExecStart",
			body:    "[Service]\nType=oneshot\nExecStart=/bin/a\nExecStart=/bin/b\n",
			wantErr: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeUnit(t, dir, "t.service", tt.body)
			_, _, _, err := Load(SearchPath{Dirs: []string{dir}}, "t.service")
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, types.ErrConfigure, types.KindOf(err))
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in            string
		path          string
		args          []string
		ignoreFailure bool
		wantErr       bool
	}{
		{in: "/bin/true", path: "/bin/true"},
		{in: "-/bin/false", path: "/bin/false", ignoreFailure: true},
		{in: "/usr/bin/app --flag value", path: "/usr/bin/app", args: []string{"--flag", "value"}},
		{in: `/usr/bin/app "two words"`, path: "/usr/bin/app", args: []string{"two words"}},
		{in: "relative/path", wantErr: true},
		{in: "", wantErr: true},
		{in: `/bin/echo "unterminated`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			cmd, err := ParseCommand(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.path, cmd.Path)
			assert.Equal(t, tt.ignoreFailure, cmd.IgnoreFailure)
			if tt.args != nil {
				assert.Equal(t, tt.args, cmd.Args)
			}
		})
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"10", 10 * time.Second},
		{"90s", 90 * time.Second},
		{"5min", 5 * time.Minute},
		{"1h30m", 90 * time.Minute},
		{"0.5", 500 * time.Millisecond},
	}
	for _, tt := range tests {
		d, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, d, tt.in)
	}
	_, err := ParseDuration("bogus")
	assert.Error(t, err)
}

func TestSplitTemplate(t *testing.T) {
	tmpl, inst, ok := SplitTemplate("foo@bar.service")
	require.True(t, ok)
	assert.Equal(t, "foo@.service", tmpl)
	assert.Equal(t, "bar", inst)

	_, _, ok = SplitTemplate("foo.service")
	assert.False(t, ok)
}
