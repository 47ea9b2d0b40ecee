package domain

// RouteType is the GTFS route_type of a route.
type RouteType int

const (
	RouteTypeTram RouteType = 0
	RouteTypeBus  RouteType = 3
)

// Route is a GTFS route referenced by a fleet trip.
type Route struct {
	ID        string    `json:"id"`
	ShortName string    `json:"shortName"`
	LongName  string    `json:"longName"`
	Type      RouteType `json:"type"`
}

// ShapePoint is one point of a GTFS shape.
type ShapePoint struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Sequence int     `json:"sequence"`
}

// Shape is the geographic path of a trip.
type Shape struct {
	ID     string       `json:"id"`
	Points []ShapePoint `json:"points"`
}

// TripStopTime is one row of stop_times.txt for a trip, with GTFS times
// converted to seconds since service-day midnight (may exceed 86400).
type TripStopTime struct {
	StopID           string
	StopSequence     int
	ArrivalSeconds   int
	DepartureSeconds int
}
