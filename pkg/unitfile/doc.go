/*
Package unitfile translates on-disk unit files into typed configuration.

A unit id is resolved against an ordered search path (leftmost directory
wins). For each id the loader checks for the file itself, a symlink alias,
the <id>.d drop-in directory, and, for instance ids like foo@bar.service,
the foo@.service template. A symlink to /dev/null masks the unit. The
aggregate mtime of everything consulted is recorded so the manager's reload
path can skip unchanged units.

Files are INI: [Unit], one kind section ([Service], [Socket], [Mount],
[Path], [Timer]), optional [Install]. Repeated keys accumulate (Exec lists,
dependency lists); an empty assignment resets the list.
*/
package unitfile
