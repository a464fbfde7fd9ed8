package trip

import "time"

type Type string

const (
	Pickup Type = "PICKUP"
	Drop   Type = "DROP"
)

type Status string

const (
	StatusScheduled  Status = "SCHEDULED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

// Descriptor identifies the single trip currently being tracked on this device.
type Descriptor struct {
	TripID       string    `json:"tripId"`
	VehicleID    string    `json:"vehicleId"`
	RouteName    string    `json:"routeName"`
	SchoolID     string    `json:"schoolId,omitempty"`
	LicensePlate string    `json:"licensePlate,omitempty"`
	TripType     Type      `json:"tripType"`
	APIBase      string    `json:"apiBase,omitempty"`
	StartedAt    time.Time `json:"startedAt"`
}

type Stop struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type StopSet struct {
	Stops            []Stop   `json:"stops"`
	CompletedStopIDs []string `json:"completedStopIds"`
}

func (s StopSet) IsCompleted(stopID string) bool {
	for _, id := range s.CompletedStopIDs {
		if id == stopID {
			return true
		}
	}
	return false
}

// Complete marks the stop as serviced. It reports false if it already was.
func (s *StopSet) Complete(stopID string) bool {
	if s.IsCompleted(stopID) {
		return false
	}
	s.CompletedStopIDs = append(s.CompletedStopIDs, stopID)
	return true
}

// Sample is a single position fix. Speed (m/s), heading (degrees) and
// accuracy (meters) are nil when the source did not report them.
type Sample struct {
	Latitude  float64
	Longitude float64
	Speed     *float64
	Heading   *float64
	Accuracy  *float64
	Timestamp time.Time
}

// QueueEntry is a sample waiting to be retransmitted.
type QueueEntry struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed"`
	Heading   *float64  `json:"heading"`
	Timestamp time.Time `json:"timestamp"`
}

func EntryFromSample(s Sample) QueueEntry {
	return QueueEntry{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Speed:     s.Speed,
		Heading:   s.Heading,
		Timestamp: s.Timestamp,
	}
}

func (e QueueEntry) Sample() Sample {
	return Sample{
		Latitude:  e.Latitude,
		Longitude: e.Longitude,
		Speed:     e.Speed,
		Heading:   e.Heading,
		Timestamp: e.Timestamp,
	}
}
