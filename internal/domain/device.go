package domain

import "time"

// Device is the trust record of one anonymous contributor. ID is a keyed hash
// of the device token; the raw token never reaches storage.
type Device struct {
	ID                    string    `json:"id"`
	TrustScore            float64   `json:"trustScore"`
	ReputationScore       float64   `json:"reputationScore"`
	TotalContributions    int64     `json:"totalContributions"`
	AccurateContributions int64     `json:"accurateContributions"`
	IsTrusted             bool      `json:"isTrusted"`
	FirstSeen             time.Time `json:"firstSeen"`
	LastActivity          time.Time `json:"lastActivity"`
}

// AccuracyRatio is accurate/total, or 0 for a device with no history.
func (d Device) AccuracyRatio() float64 {
	if d.TotalContributions == 0 {
		return 0
	}
	return float64(d.AccurateContributions) / float64(d.TotalContributions)
}
