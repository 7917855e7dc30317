package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := BidResponse{
		Header: Header{Sender: "home-1", Target: "utility", Subject: "bid_response"},
		Side:   SideDemand,
		Amount: 40,
		Rate:   5,
		Period: 3,
		UID:    "home-1:1",
	}

	data, err := Encode(msg)
	require.NoError(t, err)

	var decoded BidResponse
	require.NoError(t, Decode(data, &decoded))
	require.Equal(t, msg, decoded)
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	var decoded BidResponse
	err := Decode([]byte(`{"message_sender":"home-1","bogus":true}`), &decoded)
	require.Error(t, err)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	var decoded BidResponse
	err := Decode([]byte(`{not json`), &decoded)
	require.Error(t, err)
}

func TestISOTimeRoundTrip(t *testing.T) {
	ts := ISOTime{time.Date(2026, 8, 1, 12, 30, 45, 123000, time.UTC)}
	ann := PeriodAnnouncement{
		Header:       Header{Sender: "utility", Target: Broadcast, Subject: "period_announcement"},
		PeriodNumber: 3,
		StartTime:    ts,
		EndTime:      ISOTime{ts.Add(15 * time.Minute)},
	}

	data, err := Encode(ann)
	require.NoError(t, err)
	require.Contains(t, string(data), "2026-08-01T12:30:45")

	var decoded PeriodAnnouncement
	require.NoError(t, Decode(data, &decoded))
	require.True(t, decoded.StartTime.Equal(ts.Time))
}
