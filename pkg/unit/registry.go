package unit

import (
	"sort"
	"syscall"
	"time"

	"github.com/cuemby/burrow/pkg/exec"
	"github.com/cuemby/burrow/pkg/graph"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/unitfile"
	"github.com/rs/zerolog"
)

// Hooks are the callbacks the state machines use to reach the outside
// world. The manager wires them; tests substitute fakes.
type Hooks struct {
	// Spawn forks a child for the unit and returns its pid.
	Spawn func(u *Unit, cmd unitfile.Command, fds []exec.FdPass, watchdogUSec uint64) (int, error)
	// Kill signals the unit's pids per the kill mode.
	Kill func(u *Unit, mode types.KillMode, sigName string, mainPID, controlPID int) error
	// ArmTimer (re)arms the unit's single pending timer.
	ArmTimer func(u *Unit, d time.Duration)
	// StopTimer cancels the unit's pending timer.
	StopTimer func(u *Unit)
	// StateChanged reports an active-state edge; the manager finishes jobs,
	// fires retroactive dependencies, publishes events and persists.
	StateChanged func(u *Unit, old, new types.ActiveState)
	// EnqueueStart asks the manager to enqueue a start job (trigger and
	// restart paths).
	EnqueueStart func(target string, replace bool)
	// EnqueueStop asks the manager to enqueue a stop job (bound-to sweeps).
	EnqueueStop func(target string)
	// CollectFds gathers the listen fds of the socket units that trigger u.
	CollectFds func(u *Unit) []exec.FdPass
	// RegisterSocketFd hands an opened listen fd to the manager for
	// readiness polling and reliability fd inheritance.
	RegisterSocketFd func(u *Unit, fd int, name string)
	// UnregisterSocketFds withdraws every listen fd of u.
	UnregisterSocketFds func(u *Unit)
}

// Registry is the single source of truth for unit identity, lookup, pid
// attribution, and the dependency graph.
type Registry struct {
	units map[string]*Unit
	pids  map[int]string
	graph *graph.Graph

	loadQueue []string
	gcQueue   []string

	sp    unitfile.SearchPath
	hooks *Hooks
	log   zerolog.Logger

	// Injectable clock for the rate limiter and timers.
	Now func() time.Time
}

// NewRegistry creates an empty registry over the given search path.
func NewRegistry(sp unitfile.SearchPath, hooks *Hooks) *Registry {
	return &Registry{
		units: make(map[string]*Unit),
		pids:  make(map[int]string),
		graph: graph.New(),
		sp:    sp,
		hooks: hooks,
		log:   log.WithComponent("unit-registry"),
		Now:   time.Now,
	}
}

// Graph exposes the dependency graph for read-side queries.
func (r *Registry) Graph() *graph.Graph { return r.graph }

// Get returns the unit with the given id, or nil.
func (r *Registry) Get(id string) *Unit {
	return r.units[id]
}

// Units returns every registered unit, sorted by id.
func (r *Registry) Units() []*Unit {
	ids := make([]string, 0, len(r.units))
	for id := range r.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]*Unit, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.units[id])
	}
	return out
}

// GetOrCreate returns the unit with the given id, creating a stub and
// queueing it for load on first reference.
func (r *Registry) GetOrCreate(id string) (*Unit, error) {
	if u, ok := r.units[id]; ok {
		return u, nil
	}
	_, kind, err := types.SplitName(id)
	if err != nil {
		return nil, err
	}
	u := &Unit{ID: id, Kind: kind, Load: types.LoadStub, RefCnt: 1}
	r.units[id] = u
	r.loadQueue = append(r.loadQueue, id)
	return u, nil
}

// AddTransient registers a runtime-created unit with the given
// configuration and no on-disk file.
func (r *Registry) AddTransient(id string, cfg *unitfile.Config) (*Unit, error) {
	u, err := r.GetOrCreate(id)
	if err != nil {
		return nil, err
	}
	u.Transient = true
	u.Config = cfg
	r.finishLoad(u, unitfile.Deps(cfg, id))
	return u, nil
}

// DrainLoadQueue loads every queued unit. Loading can queue more units
// (dependency targets), so the queue drains to a fixed point.
func (r *Registry) DrainLoadQueue() {
	for len(r.loadQueue) > 0 {
		id := r.loadQueue[0]
		r.loadQueue = r.loadQueue[1:]
		u := r.units[id]
		if u == nil || u.Load != types.LoadStub {
			continue
		}
		r.loadUnit(u)
	}
}

func (r *Registry) loadUnit(u *Unit) {
	cfg, deps, loc, err := unitfile.Load(r.sp, u.ID)
	u.Located = loc
	if err != nil {
		if types.KindOf(err) == types.ErrConfigure {
			u.Load = types.LoadBadSetting
		} else {
			u.Load = types.LoadError
		}
		r.log.Error().Err(err).Str("unit", u.ID).Msg("failed to load unit")
		return
	}
	if loc.Masked {
		u.Load = types.LoadMasked
		return
	}
	if !loc.Found {
		u.Load = types.LoadNotFound
		return
	}
	u.Config = cfg
	r.finishLoad(u, deps)
}

func (r *Registry) finishLoad(u *Unit, deps []graph.Dep) {
	u.Load = types.LoadLoaded
	switch u.Kind {
	case types.UnitService:
		u.Service = newServiceData(u.Config)
	case types.UnitMount:
		u.Mount = newMountData(u.Config)
	case types.UnitSocket:
		u.Socket = newSocketData(u.Config)
	case types.UnitTarget:
		u.Target = &TargetData{}
	case types.UnitPath:
		u.Path = newPathData(u.Config)
	case types.UnitTimer:
		u.Timer = newTimerData(u.Config)
	}
	for _, d := range deps {
		if err := r.AddDep(u.ID, d.Relation, d.Target); err != nil {
			r.log.Warn().Err(err).Str("unit", u.ID).Str("target", d.Target).Msg("skipping bad dependency")
		}
	}
	r.log.Debug().Str("unit", u.ID).Msg("unit loaded")
}

// AddDep inserts a dependency edge, creating the target stub if needed.
func (r *Registry) AddDep(source string, rel graph.Relation, target string) error {
	if _, err := r.GetOrCreate(target); err != nil {
		return err
	}
	src := r.units[source]
	tgt := r.units[target]
	if src != nil {
		src.RefCnt++
	}
	if tgt != nil {
		tgt.RefCnt++
	}
	return r.graph.AddEdge(source, rel, target)
}

// AtomUnits resolves an atom query into loaded units.
func (r *Registry) AtomUnits(u *Unit, atom graph.Atom) []*Unit {
	var out []*Unit
	for _, id := range r.graph.GetAtom(u.ID, atom) {
		if other, ok := r.units[id]; ok {
			out = append(out, other)
		}
	}
	return out
}

// AttachPid attributes a child pid to a unit.
func (r *Registry) AttachPid(pid int, id string) {
	r.pids[pid] = id
}

// DetachPid drops a pid attribution.
func (r *Registry) DetachPid(pid int) {
	delete(r.pids, pid)
}

// UnitByPid returns the unit owning pid, or nil.
func (r *Registry) UnitByPid(pid int) *Unit {
	id, ok := r.pids[pid]
	if !ok {
		return nil
	}
	return r.units[id]
}

// Pids returns the pid attribution table, for persistence.
func (r *Registry) Pids() map[int]string {
	out := make(map[int]string, len(r.pids))
	for pid, id := range r.pids {
		out[pid] = id
	}
	return out
}

// TrackedPids returns the pids attributed to one unit, sorted.
func (r *Registry) TrackedPids(u *Unit) []int {
	var out []int
	for pid, id := range r.pids {
		if id == u.ID {
			out = append(out, pid)
		}
	}
	sort.Ints(out)
	return out
}

// EnqueueGC queues a unit for garbage collection.
func (r *Registry) EnqueueGC(id string) {
	r.gcQueue = append(r.gcQueue, id)
}

// RunGC frees units whose refcount dropped to zero and whose active state
// is Inactive or Failed.
func (r *Registry) RunGC() {
	queue := r.gcQueue
	r.gcQueue = nil
	for _, id := range queue {
		u := r.units[id]
		if u == nil {
			continue
		}
		if u.RefCnt > 0 {
			continue
		}
		if st := u.ActiveState(); st != types.ActiveStateInactive && st != types.ActiveStateFailed {
			continue
		}
		r.remove(u)
	}
}

func (r *Registry) remove(u *Unit) {
	r.graph.RemoveUnit(u.ID)
	for pid, id := range r.pids {
		if id == u.ID {
			delete(r.pids, pid)
		}
	}
	delete(r.units, u.ID)
	r.log.Debug().Str("unit", u.ID).Msg("unit collected")
}

// setState is the single funnel for active-state edges.
func (r *Registry) setState(u *Unit, old types.ActiveState) {
	now := u.ActiveState()
	if old == now {
		return
	}
	r.log.Info().
		Str("unit", u.ID).
		Str("old", string(old)).
		Str("new", string(now)).
		Str("sub", u.SubState()).
		Msg("unit state changed")
	if r.hooks.StateChanged != nil {
		r.hooks.StateChanged(u, old, now)
	}
}

// Start drives a start request into the unit's machine.
func (r *Registry) Start(u *Unit) error {
	switch u.Kind {
	case types.UnitService:
		return r.serviceStart(u)
	case types.UnitMount:
		return r.mountStart(u)
	case types.UnitSocket:
		return r.socketStart(u)
	case types.UnitTarget:
		return r.targetStart(u)
	case types.UnitPath:
		return r.pathStart(u)
	case types.UnitTimer:
		return r.timerStart(u)
	}
	return types.NewError(types.ErrActionEOpNotSupp, string(u.Kind)+" units cannot be started")
}

// Stop drives a stop request into the unit's machine.
func (r *Registry) Stop(u *Unit) error {
	switch u.Kind {
	case types.UnitService:
		return r.serviceStop(u)
	case types.UnitMount:
		return r.mountStop(u)
	case types.UnitSocket:
		return r.socketStop(u)
	case types.UnitTarget:
		return r.targetStop(u)
	case types.UnitPath:
		return r.pathStop(u)
	case types.UnitTimer:
		return r.timerStop(u)
	}
	return types.NewError(types.ErrActionEOpNotSupp, string(u.Kind)+" units cannot be stopped")
}

// Reload drives a reload request into the unit's machine.
func (r *Registry) Reload(u *Unit) error {
	if u.Kind == types.UnitService {
		return r.serviceReload(u)
	}
	return types.NewError(types.ErrActionEOpNotSupp, string(u.Kind)+" units cannot be reloaded")
}

// SigChld routes a reaped child to the owning unit's machine.
func (r *Registry) SigChld(pid int, code int, sig syscall.Signal, dumped bool) {
	u := r.UnitByPid(pid)
	r.DetachPid(pid)
	if u == nil {
		return
	}
	switch u.Kind {
	case types.UnitService:
		r.serviceSigChld(u, pid, code, sig, dumped)
	case types.UnitMount:
		r.mountSigChld(u, pid, code, sig)
	case types.UnitSocket:
		r.socketSigChld(u, pid, code, sig)
	}
}

// TimerFired routes a per-unit timer expiry into the owning machine.
func (r *Registry) TimerFired(u *Unit) {
	switch u.Kind {
	case types.UnitService:
		r.serviceTimerFired(u)
	case types.UnitMount:
		r.mountTimerFired(u)
	case types.UnitTimer:
		r.timerElapsed(u)
	}
}
