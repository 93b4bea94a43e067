package model

import (
	"encoding/json"
	"time"
)

// WireEntry is the compact representation of account metadata exchanged
// with the community cache service.
type WireEntry struct {
	// Location is the approximate account location.
	Location string `json:"l"`
	// Device is the posting client device, if known.
	Device string `json:"d,omitempty"`
	// Accurate reports whether Location is considered accurate.
	Accurate bool `json:"a,omitempty"`
	// Timestamp is the server-stamped unix time of the entry, in seconds.
	// It is set by the server and ignored on contribution.
	Timestamp int64 `json:"t,omitempty"`
}

// LookupResponse is returned by the community cache lookup endpoint.
type LookupResponse struct {
	Results map[string]WireEntry `json:"results"`
	Misses  []string             `json:"misses,omitempty"`
	Count   int                  `json:"count"`
}

// ContributeRequest is the body of a community cache contribution.
type ContributeRequest struct {
	Entries map[string]WireEntry `json:"entries"`
}

// ContributeResponse reports how a contribution batch was handled. Invalid
// entries are counted in Rejected without failing the batch.
type ContributeResponse struct {
	Accepted int    `json:"accepted"`
	Rejected int    `json:"rejected"`
	Message  string `json:"message,omitempty"`
}

// Stats is the community cache aggregate statistics document.
type Stats struct {
	TotalEntries       int64 `json:"totalEntries"`
	TotalContributions int64 `json:"totalContributions"`
	LastUpdated        int64 `json:"lastUpdated"`
}

// CleanupResponse reports the outcome of the operational cleanup endpoint.
type CleanupResponse struct {
	Removed int    `json:"removed"`
	Message string `json:"message,omitempty"`
}

func UnmarshalLookupResponse(b []byte) (*LookupResponse, error) {
	var res LookupResponse
	if err := json.Unmarshal(b, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func UnmarshalStats(b []byte) (*Stats, error) {
	var stats Stats
	if err := json.Unmarshal(b, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Metadata converts a wire entry received from the community cache into a
// local metadata record. The entry is treated as untrusted input: values
// are sanitized and length-capped, and nil is returned if nothing useful
// survives.
func (w WireEntry) Metadata(handle string) *Metadata {
	md := &Metadata{
		Handle:           handle,
		Location:         SanitizeValue(w.Location, MaxLocationLen),
		Device:           SanitizeValue(w.Device, MaxDeviceLen),
		LocationAccurate: w.Accurate,
	}
	if w.Timestamp > 0 {
		md.FetchedAt = time.Unix(w.Timestamp, 0)
	}
	if md.Empty() {
		return nil
	}
	return md
}

// EntryFromMetadata converts a local metadata record into its wire form
// for contribution. Returns false if the record is empty or its handle is
// not a valid wire identifier.
func EntryFromMetadata(md *Metadata) (WireEntry, bool) {
	if md.Empty() || !ValidHandle(md.Handle) {
		return WireEntry{}, false
	}
	return WireEntry{
		Location: SanitizeValue(md.Location, MaxLocationLen),
		Device:   SanitizeValue(md.Device, MaxDeviceLen),
		Accurate: md.LocationAccurate,
	}, true
}
