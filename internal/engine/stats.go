package engine

// Stats is a point-in-time summary of engine state.
type Stats struct {
	Buses           int   `json:"buses"`
	Positions       int   `json:"positions"`
	LivePositions   int   `json:"livePositions"`
	ActiveSessions  int   `json:"activeSessions"`
	BusesWithRiders int   `json:"busesWithRiders"`
	Sessions        int   `json:"sessions"`
	Devices         int   `json:"devices"`
	TrustedDevices  int   `json:"trustedDevices"`
	LivePings       int   `json:"livePings"`
	PingsAccepted   int64 `json:"pingsAccepted"`
	PingsFlagged    int64 `json:"pingsFlagged"`
	PingsRejected   int64 `json:"pingsRejected"`
	TripsCompleted  int64 `json:"tripsCompleted"`
}

func (e *Engine) Stats() Stats {
	now := e.now()

	live := 0
	for _, p := range e.positions.Snapshot() {
		if e.isLive(p, now) {
			live++
		}
	}
	activeSessions, sessions := e.sessions.Counts()
	livePings, _ := e.pings.Counts()

	withRiders := 0
	seen := make(map[string]struct{})
	for _, ids := range [][]string{e.routes.BusIDs(), e.pings.Buses()} {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if len(e.sessions.ActiveForBus(id)) > 0 {
				withRiders++
			}
		}
	}

	return Stats{
		Buses:           e.routes.Count(),
		Positions:       e.positions.Count(),
		LivePositions:   live,
		ActiveSessions:  activeSessions,
		BusesWithRiders: withRiders,
		Sessions:        sessions,
		Devices:         e.trust.Count(),
		TrustedDevices:  e.trust.TrustedCount(now),
		LivePings:       livePings,
		PingsAccepted:   e.accepted.Load(),
		PingsFlagged:    e.flagged.Load(),
		PingsRejected:   e.rejected.Load(),
		TripsCompleted:  e.completed.Load(),
	}
}
