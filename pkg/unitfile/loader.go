package unitfile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/ini.v1"
)

// SearchPath is the ordered list of unit directories; leftmost wins.
type SearchPath struct {
	Dirs []string
}

// DefaultSearchPath returns the standard system unit directories.
func DefaultSearchPath() SearchPath {
	return SearchPath{Dirs: []string{
		"/etc/burrow/system",
		"/run/burrow/system",
		"/usr/lib/burrow/system",
	}}
}

// Located describes where a unit's configuration was found on disk.
type Located struct {
	Primary     string
	DropIns     []string
	AliasTarget string
	Masked      bool
	Found       bool
	Template    bool
	Mtime       time.Time
}

// SplitTemplate splits an instance id "foo@bar.service" into its template
// id "foo@.service" and instance string "bar".
func SplitTemplate(id string) (template, instance string, ok bool) {
	at := strings.Index(id, "@")
	dot := strings.LastIndex(id, ".")
	if at <= 0 || dot <= at+1 {
		return "", "", false
	}
	return id[:at+1] + id[dot:], id[at+1 : dot], true
}

// Locate walks the search path for id: the primary file (or alias symlink,
// or template fallback for instance ids), plus every <id>.d/*.conf drop-in
// across all directories. The aggregate mtime covers primary, drop-ins and
// alias target.
func (sp SearchPath) Locate(id string) (*Located, error) {
	loc := &Located{}
	for _, dir := range sp.Dirs {
		p := filepath.Join(dir, id)
		fi, err := os.Lstat(p)
		if err != nil {
			continue
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			target, err := os.Readlink(p)
			if err != nil {
				return nil, types.WrapError(types.ErrIo, fmt.Sprintf("reading alias %s", p), err)
			}
			if target == "/dev/null" {
				loc.Masked = true
				loc.Found = true
				loc.Primary = p
				return loc, nil
			}
			if !filepath.IsAbs(target) {
				target = filepath.Join(dir, target)
			}
			tfi, err := os.Stat(target)
			if err != nil {
				continue
			}
			if tfi.Size() == 0 && tfi.Mode()&os.ModeCharDevice != 0 {
				loc.Masked = true
				loc.Found = true
				loc.Primary = p
				return loc, nil
			}
			loc.Primary = target
			loc.AliasTarget = target
			loc.Found = true
			bumpMtime(loc, tfi.ModTime())
			break
		}
		loc.Primary = p
		loc.Found = true
		bumpMtime(loc, fi.ModTime())
		break
	}

	if !loc.Found {
		if template, _, ok := SplitTemplate(id); ok && template != id {
			tloc, err := sp.Locate(template)
			if err != nil {
				return nil, err
			}
			if tloc.Found {
				tloc.Template = true
				loc = tloc
			}
		}
	}
	if !loc.Found || loc.Masked {
		return loc, nil
	}

	for _, dir := range sp.Dirs {
		dropDir := filepath.Join(dir, id+".d")
		entries, err := os.ReadDir(dropDir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".conf") {
				continue
			}
			p := filepath.Join(dropDir, e.Name())
			loc.DropIns = append(loc.DropIns, p)
			if fi, err := os.Stat(p); err == nil {
				bumpMtime(loc, fi.ModTime())
			}
		}
	}
	sort.Strings(loc.DropIns)
	return loc, nil
}

func bumpMtime(loc *Located, t time.Time) {
	if t.After(loc.Mtime) {
		loc.Mtime = t
	}
}

// Load locates and parses unit id into a typed Config plus its raw
// dependency list. A masked unit returns with Located.Masked set and a nil
// Config. A missing unit returns Located.Found == false.
func Load(sp SearchPath, id string) (*Config, []graph.Dep, *Located, error) {
	loc, err := sp.Locate(id)
	if err != nil {
		return nil, nil, nil, err
	}
	if !loc.Found || loc.Masked {
		return nil, nil, loc, nil
	}

	_, instance, isInstance := splitInstance(id)
	sources := make([]interface{}, 0, len(loc.DropIns)+1)
	primary, err := readSubstituted(loc.Primary, id, instance, isInstance)
	if err != nil {
		return nil, nil, loc, err
	}
	sources = append(sources, primary)
	for _, d := range loc.DropIns {
		body, err := readSubstituted(d, id, instance, isInstance)
		if err != nil {
			return nil, nil, loc, err
		}
		sources = append(sources, body)
	}

	opts := ini.LoadOptions{AllowShadows: true, SpaceBeforeInlineComment: true}
	f, err := ini.LoadSources(opts, sources[0], sources[1:]...)
	if err != nil {
		return nil, nil, loc, types.WrapError(types.ErrLoad, fmt.Sprintf("parsing %s", loc.Primary), err)
	}

	_, kind, err := types.SplitName(id)
	if err != nil {
		return nil, nil, loc, err
	}
	cfg, err := mapConfig(f, kind)
	if err != nil {
		return nil, nil, loc, err
	}
	if err := Validate(cfg, kind); err != nil {
		return nil, nil, loc, err
	}
	return cfg, Deps(cfg, id), loc, nil
}

func splitInstance(id string) (prefix, instance string, ok bool) {
	at := strings.Index(id, "@")
	dot := strings.LastIndex(id, ".")
	if at <= 0 || dot <= at {
		return "", "", false
	}
	return id[:at], id[at+1 : dot], id[at+1:dot] != ""
}

// readSubstituted reads a unit file body and expands the specifiers the
// loader supports: %i (instance), %n (full name), %p (prefix), %% (percent).
func readSubstituted(path, id, instance string, isInstance bool) ([]byte, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, types.WrapError(types.ErrIo, fmt.Sprintf("reading %s", path), err)
	}
	s := string(body)
	if strings.Contains(s, "%") {
		prefix := id
		if at := strings.Index(id, "@"); at > 0 {
			prefix = id[:at]
		} else if dot := strings.LastIndex(id, "."); dot > 0 {
			prefix = id[:dot]
		}
		r := strings.NewReplacer(
			"%%", "%",
			"%n", id,
			"%p", prefix,
			"%i", instance,
		)
		s = r.Replace(s)
	}
	return []byte(s), nil
}

// Deps extracts the raw (relation, target) list a unit's configuration
// declares, including the trigger edges implied by socket/timer/path stems.
func Deps(cfg *Config, id string) []graph.Dep {
	var deps []graph.Dep
	add := func(rel graph.Relation, targets []string) {
		for _, t := range targets {
			if t != "" && t != id {
				deps = append(deps, graph.Dep{Relation: rel, Target: t})
			}
		}
	}
	u := &cfg.Unit
	add(graph.Wants, u.Wants)
	add(graph.Requires, u.Requires)
	add(graph.Requisite, u.Requisite)
	add(graph.BindsTo, u.BindsTo)
	add(graph.PartOf, u.PartOf)
	add(graph.Upholds, u.Upholds)
	add(graph.Conflicts, u.Conflicts)
	add(graph.After, u.After)
	add(graph.Before, u.Before)
	add(graph.OnFailure, u.OnFailure)
	add(graph.OnSuccess, u.OnSuccess)
	add(graph.PropagatesReloadTo, u.PropagatesReloadTo)
	add(graph.ReloadPropagatedFrom, u.ReloadPropagatedFrom)
	add(graph.PropagatesStopTo, u.PropagatesStopTo)
	add(graph.StopPropagatedFrom, u.StopPropagatedFrom)
	add(graph.JoinsNamespaceOf, u.JoinsNamespaceOf)

	if t, ok := triggerTarget(cfg, id); ok {
		add(graph.Triggers, []string{t})
		add(graph.Before, []string{t})
	}
	return deps
}

// triggerTarget resolves the unit a socket, timer or path unit activates:
// the explicit Unit=/Service= key, or the stem with a .service suffix.
func triggerTarget(cfg *Config, id string) (string, bool) {
	stem, kind, err := types.SplitName(id)
	if err != nil {
		return "", false
	}
	switch kind {
	case types.UnitSocket:
		if cfg.Socket.Service != "" {
			return cfg.Socket.Service, true
		}
		return stem + ".service", true
	case types.UnitTimer:
		if cfg.Timer.Unit != "" {
			return cfg.Timer.Unit, true
		}
		return stem + ".service", true
	case types.UnitPath:
		if cfg.Path.Unit != "" {
			return cfg.Path.Unit, true
		}
		return stem + ".service", true
	}
	return "", false
}
