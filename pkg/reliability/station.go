package reliability

import "sort"

// Station is a recovery participant. Each core component that persists
// state registers one and is called back through the fixed recovery
// sequence.
type Station interface {
	// InputRebuild recreates event sources (watchers, listen fds) from
	// cached state.
	InputRebuild()
	// DbCompensate inspects the breadcrumbs and re-runs the interrupted
	// step, if any.
	DbCompensate(frame Frame, hasFrame bool, lastUnit string)
	// DbMap publishes cached db state into the live in-memory structures.
	DbMap(reload bool)
	// MakeConsistent repairs cross-table inconsistencies and re-queues
	// pending work.
	MakeConsistent()
}

// StationLevel orders stations during recovery; lower levels run first.
type StationLevel int

const (
	LevelUnit StationLevel = iota
	LevelJob
	LevelManager
)

type stationEntry struct {
	name    string
	level   StationLevel
	station Station
	seq     int
}

// RegisterStation adds a recovery participant.
func (s *Store) RegisterStation(name string, level StationLevel, st Station) {
	s.stations = append(s.stations, stationEntry{name: name, level: level, station: st, seq: len(s.stations)})
}

func (s *Store) orderedStations() []stationEntry {
	out := append([]stationEntry{}, s.stations...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].level != out[j].level {
			return out[i].level < out[j].level
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// Recover rebuilds a consistent world view after a crash or re-exec and
// resumes whatever operation was interrupted:
//
//  1. mask table writes so replay cannot re-fire them
//  2. (caches were imported at Open)
//  3. input_rebuild on every station
//  4. db_compensate with the breadcrumbs
//  5. db_map publishes cached state into live structures
//  6. make_consistent repairs cross-table drift
//  7. clear the breadcrumbs
//
// Recover does not stop the process on a store error: a breadcrumb that
// cannot be decoded is logged and treated as absent, and the station
// callbacks return no errors to it.
func (s *Store) Recover(reload bool) {
	if !s.enable {
		return
	}
	s.SetIgnoreAll(true)

	frame, hasFrame := s.LastFrame()
	lastUnit, _ := s.LastUnit()
	stations := s.orderedStations()

	s.log.Info().
		Bool("reload", reload).
		Bool("has_frame", hasFrame).
		Str("last_unit", lastUnit).
		Msg("recovering persisted state")

	for _, st := range stations {
		st.station.InputRebuild()
	}
	for _, st := range stations {
		st.station.DbCompensate(frame, hasFrame, lastUnit)
	}
	for _, st := range stations {
		st.station.DbMap(reload)
	}
	for _, st := range stations {
		st.station.MakeConsistent()
	}

	s.SetIgnoreAll(false)
	s.ClearLastFrame()
	s.ClearLastUnit()
}
