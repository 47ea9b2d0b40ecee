// Package gtfsrt exports fused bus positions as a GTFS-Realtime
// VehiclePositions feed.
package gtfsrt

import (
	"fmt"
	"sort"
	"time"

	gtfsrtpb "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const gtfsRealtimeVersion = "2.0"

// Vehicle is one bus position to publish.
type Vehicle struct {
	ID        string
	Label     string
	RouteID   string
	TripID    string
	Lat       float64
	Lng       float64
	Bearing   *float64
	SpeedKmh  *float64
	Timestamp time.Time
}

// Build assembles a full-dataset feed. Entities are ordered by vehicle ID.
func Build(vehicles []Vehicle, now time.Time) *gtfsrtpb.FeedMessage {
	sorted := make([]Vehicle, len(vehicles))
	copy(sorted, vehicles)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	feed := &gtfsrtpb.FeedMessage{
		Header: &gtfsrtpb.FeedHeader{
			GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
			Incrementality:      gtfsrtpb.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(unix(now)),
		},
		Entity: make([]*gtfsrtpb.FeedEntity, 0, len(sorted)),
	}

	for _, v := range sorted {
		feed.Entity = append(feed.Entity, &gtfsrtpb.FeedEntity{
			Id:      proto.String(v.ID),
			Vehicle: vehiclePosition(v),
		})
	}
	return feed
}

func vehiclePosition(v Vehicle) *gtfsrtpb.VehiclePosition {
	pos := &gtfsrtpb.Position{
		Latitude:  proto.Float32(float32(v.Lat)),
		Longitude: proto.Float32(float32(v.Lng)),
	}
	if v.Bearing != nil {
		pos.Bearing = proto.Float32(float32(*v.Bearing))
	}
	if v.SpeedKmh != nil {
		// GTFS-RT speed is meters per second.
		pos.Speed = proto.Float32(float32(*v.SpeedKmh / 3.6))
	}

	vp := &gtfsrtpb.VehiclePosition{
		Vehicle:   &gtfsrtpb.VehicleDescriptor{Id: proto.String(v.ID)},
		Position:  pos,
		Timestamp: proto.Uint64(unix(v.Timestamp)),
	}
	if v.Label != "" {
		vp.Vehicle.Label = proto.String(v.Label)
	}
	if v.RouteID != "" || v.TripID != "" {
		vp.Trip = &gtfsrtpb.TripDescriptor{}
		if v.RouteID != "" {
			vp.Trip.RouteId = proto.String(v.RouteID)
		}
		if v.TripID != "" {
			vp.Trip.TripId = proto.String(v.TripID)
		}
	}
	return vp
}

// Marshal encodes the feed in protobuf wire format.
func Marshal(feed *gtfsrtpb.FeedMessage) ([]byte, error) {
	data, err := proto.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshal feed: %w", err)
	}
	return data, nil
}

// MarshalJSON encodes the feed with protojson, for debugging.
func MarshalJSON(feed *gtfsrtpb.FeedMessage) ([]byte, error) {
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshal feed json: %w", err)
	}
	return data, nil
}

func unix(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}
