// SPDX-License-Identifier: MIT

// Package telemetry normalizes raw scoreboard samples into immutable
// snapshots consumed by the detector and rule engine.
package telemetry

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNoData indicates the source has no usable sample. The caller treats
// this as a fallback-presentation trigger, never as a fatal error.
var ErrNoData = errors.New("telemetry: no data")

// RawSample is one unprocessed poll of the scoreboard.
type RawSample struct {
	Team1         string `json:"team1"`
	Team2         string `json:"team2"`
	BreakTimeText string `json:"breakTime"`
	GameTimeText  string `json:"gameTime"`
}

// Snapshot is one normalized telemetry sample. Snapshots are immutable;
// a new poll supersedes the previous snapshot, never mutates it.
type Snapshot struct {
	Team1        string
	Team2        string
	BreakSeconds int
	GameSeconds  int
	CapturedAt   time.Time
}

// placeholderTeams are values the scoreboard shows before real data loads.
var placeholderTeams = map[string]bool{
	"":      true,
	"abcd":  true,
	"efghi": true,
	"team1": true,
	"team2": true,
	"null":  true,
	"nan":   true,
}

// ParseTimerText converts an "MM:SS" timer string to seconds. Absent or
// unparseable text yields zero seconds; a bad timer must never halt polling.
func ParseTimerText(text string) int {
	text = strings.TrimSpace(text)
	if text == "" || !strings.Contains(text, ":") {
		return 0
	}
	parts := strings.SplitN(text, ":", 2)
	minutes, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || minutes < 0 {
		return 0
	}
	seconds, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || seconds < 0 {
		return 0
	}
	return minutes*60 + seconds
}

// Normalize converts a raw sample into a snapshot. It returns ErrNoData
// when team names are placeholders or too short to be real.
func Normalize(raw RawSample, now time.Time) (Snapshot, error) {
	team1 := strings.ToLower(strings.TrimSpace(raw.Team1))
	team2 := strings.ToLower(strings.TrimSpace(raw.Team2))

	if placeholderTeams[team1] || placeholderTeams[team2] || len(team1) < 2 || len(team2) < 2 {
		return Snapshot{}, ErrNoData
	}

	return Snapshot{
		Team1:        team1,
		Team2:        team2,
		BreakSeconds: ParseTimerText(raw.BreakTimeText),
		GameSeconds:  ParseTimerText(raw.GameTimeText),
		CapturedAt:   now,
	}, nil
}

// Source produces raw scoreboard samples. Acquisition of the underlying
// page data lives outside this module; implementations only hand over
// team names and the two timer strings.
type Source interface {
	Fetch(ctx context.Context) (RawSample, error)
}
