package dashboard

import (
	"fmt"
	"strings"

	"github.com/lowaak/treadmill-bridge/internal/session"
	"github.com/lowaak/treadmill-bridge/internal/treadmill"
)

func zoneColor(zone session.Zone) string {
	switch zone {
	case session.ZoneYellow:
		return "yellow"
	case session.ZoneRed:
		return "red"
	default:
		return "green"
	}
}

// formatClock formats seconds as MM:SS, or H:MM:SS past the hour
func formatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%02d:%02d", m, s)
}

// formatMetrics renders the metrics panel text
func formatMetrics(m session.LiveMetrics) string {
	if !m.Active {
		return "\n\n  [yellow]Treadmill Bridge[white]\n\n  Waiting for the treadmill to send data..."
	}

	var b strings.Builder
	b.WriteString("\n")
	fmt.Fprintf(&b, "  Speed:      [%s]%5.2f[white] km/h\n\n", zoneColor(m.SpeedZone), m.SpeedKmh)
	fmt.Fprintf(&b, "  Pace:       [yellow]%5s[white] min/km\n\n", m.Pace)
	fmt.Fprintf(&b, "  Distance:   [yellow]%5.2f[white] km\n\n", m.DistanceKm)
	fmt.Fprintf(&b, "  Elapsed:    [yellow]%s[white]\n\n", formatClock(int(m.ElapsedS)))
	fmt.Fprintf(&b, "  Energy:     [yellow]%d[white] kcal\n\n", m.EnergyKcal)
	if m.HeartRateBpm > 0 {
		fmt.Fprintf(&b, "  Heart Rate: [%s]%d[white] bpm\n\n", zoneColor(m.HeartRateZone), m.HeartRateBpm)
	} else {
		b.WriteString("  Heart Rate: [gray]--[white]\n\n")
	}
	if m.InclinationPercent != 0 {
		fmt.Fprintf(&b, "  Incline:    [yellow]%.1f[white] %%\n\n", m.InclinationPercent)
	}
	return b.String()
}

// lapRow returns the laps table cells for one lap
func lapRow(lap session.LapRecord) []string {
	bpm := "--"
	if lap.AvgHeartRate > 0 {
		bpm = fmt.Sprintf("%.0f", lap.AvgHeartRate)
	}
	return []string{
		fmt.Sprintf("%d", lap.Number),
		formatClock(lap.LapElapsedS),
		fmt.Sprintf("%.2f", lap.AvgSpeedKmh),
		lap.AvgPace,
		bpm,
		fmt.Sprintf("%d", lap.LapEnergyKcal),
		formatClock(lap.ElapsedS),
	}
}

var lapHeader = []string{"Km", "Lap", "km/h", "Pace", "bpm", "kcal", "Total"}

func stateColor(state treadmill.State) string {
	switch state {
	case treadmill.StateConnected:
		return "green"
	case treadmill.StateConnecting:
		return "yellow"
	case treadmill.StateFailed:
		return "red"
	default:
		return "gray"
	}
}

// formatStatus renders the one-line status bar
func formatStatus(state treadmill.State, targetKmh float64) string {
	target := "--"
	if targetKmh >= 0 {
		target = fmt.Sprintf("%.0f km/h", targetKmh)
	}
	return fmt.Sprintf(" Treadmill: [%s]%s[white]  |  Target: [yellow]%s[white]  |  [yellow]S[white] Save  [yellow]+[white]/[yellow]-[white] Speed  [yellow]Q[white] Quit",
		stateColor(state), state, target)
}
